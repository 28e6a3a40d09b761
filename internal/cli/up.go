package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	adminhttp "github.com/dgnsrekt/requests-whaor/internal/adapters/http"
	"github.com/dgnsrekt/requests-whaor/internal/adapters/render"
	"github.com/dgnsrekt/requests-whaor/internal/core/fleet"
)

const adminShutdownTimeout = 5 * time.Second

func addFleetFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("onions", "n", 5, "number of tor circuits")
	cmd.Flags().Int("workers", 5, "maximum circuits started or stopped at once")
	cmd.Flags().Duration("timeout", 5*time.Second, "timeout of a single proxied request")
	cmd.Flags().Int("retries", 5, "attempts per proxied request")
}

func newUpCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring a fleet up and keep it running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runUp(cmd.Context())
		},
	}
	addFleetFlags(cmd)
	cmd.Flags().String("listen", "127.0.0.1:3000", "admin API listen address")
	return cmd
}

// newFleet opens the runtime, builds the circuit image if configured and
// wires an orchestrator. The caller closes the handle.
func (a *app) newFleet(ctx context.Context, options ...fleet.Option) (*fleet.Orchestrator, *runtimeHandle, error) {
	h, err := a.openRuntime(a)
	if err != nil {
		return nil, nil, err
	}

	image, err := a.buildCircuitImage(ctx, h)
	if err != nil {
		return nil, nil, multierr.Append(err, h.close())
	}

	opts := fleetOptions(a.cfg)
	opts.Pool.Image = image
	return fleet.New(h.runtime, render.New(), opts, a.logger, options...), h, nil
}

func (a *app) runUp(ctx context.Context) (err error) {
	orch, h, err := a.newFleet(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.close())
	}()

	if _, err := orch.Up(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, orch.Down(ctx))
	}()

	fmt.Fprintf(a.out, "proxy:     %s\n", orch.Balancer().Address())
	fmt.Fprintf(a.out, "dashboard: %s\n", orch.Balancer().DashboardAddress())

	if !a.cfg.Admin.Enabled {
		<-ctx.Done()
		return nil
	}

	proxy, err := adminhttp.NewProxyHandler(orch.Balancer().DashboardAddress())
	if err != nil {
		return err
	}
	server := adminhttp.NewApp(adminhttp.NewFleetHandler(orch, h.runtime, a.logger.Named("admin")), proxy)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("admin API listening", zap.String("address", a.cfg.Admin.Listen))
		serveErr <- server.Listen(a.cfg.Admin.Listen)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("interrupted, shutting down")
		if err := server.ShutdownWithTimeout(adminShutdownTimeout); err != nil {
			a.logger.Warn("admin API did not shut down cleanly", zap.Error(err))
		}
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	}
}
