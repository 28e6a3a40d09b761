package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/requests-whaor/internal/core/fleet"
)

func newReapCmd(a *app) *cobra.Command {
	var fleetID string
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove containers and networks left behind by earlier fleets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runReap(cmd.Context(), fleetID)
		},
	}
	cmd.Flags().StringVar(&fleetID, "fleet", "", "only reap this fleet ID (default: every fleet)")
	return cmd
}

func (a *app) runReap(ctx context.Context, fleetID string) (err error) {
	h, err := a.openRuntime(a)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.close())
	}()

	report, reapErr := fleet.Reap(ctx, h.runtime, fleetID, a.logger)

	out, err := yaml.Marshal(report)
	if err != nil {
		return multierr.Append(reapErr, err)
	}
	if _, err := a.out.Write(out); err != nil {
		return multierr.Append(reapErr, err)
	}
	return reapErr
}
