package cli

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}
}
