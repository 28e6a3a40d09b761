package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

type getOptions struct {
	count       int
	rotateEvery int
	headers     map[string]string
}

func newGetCmd(a *app) *cobra.Command {
	o := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Fetch a URL through a temporary fleet",
		Long: `get brings a fleet up, fetches URL --count times through the rotating proxy
and prints each response body. The fleet is torn down afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGet(cmd.Context(), args[0], o)
		},
	}
	addFleetFlags(cmd)
	cmd.Flags().IntVar(&o.count, "count", 1, "number of requests")
	cmd.Flags().IntVar(&o.rotateEvery, "rotate-every", 0, "rotate circuits after this many requests (0 never)")
	cmd.Flags().StringToStringVarP(&o.headers, "header", "H", nil, "extra request header as key=value")
	return cmd
}

func (a *app) runGet(ctx context.Context, rawURL string, o *getOptions) (err error) {
	orch, h, err := a.newFleet(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.close())
	}()

	return orch.Run(ctx, func(ctx context.Context, client *requestor.Client) error {
		return a.fetch(ctx, client, rawURL, o)
	})
}

func (a *app) fetch(ctx context.Context, client *requestor.Client, rawURL string, o *getOptions) error {
	header := make(http.Header, len(o.headers))
	for k, v := range o.headers {
		header.Set(k, v)
	}

	failed := 0
	for i := 0; i < o.count; i++ {
		if o.rotateEvery > 0 && i > 0 && i%o.rotateEvery == 0 {
			if _, err := client.Rotate(ctx); err != nil {
				return err
			}
		}

		resp, err := client.Get(ctx, rawURL, header)
		if errors.Is(err, errdefs.ErrExhausted) {
			a.logger.Warn("no response", zap.Int("request", i+1), zap.Error(err))
			failed++
			continue
		}
		if err != nil {
			return err
		}

		_, err = io.Copy(a.out, resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests got no response: %w", failed, o.count, errdefs.ErrExhausted)
	}
	return nil
}
