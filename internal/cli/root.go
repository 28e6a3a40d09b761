// Package cli implements the whaor command tree.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/config"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
	"github.com/dgnsrekt/requests-whaor/internal/logging"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	closeLog   func() error
	out        io.Writer

	// openRuntime is swapped in tests.
	openRuntime func(*app) (*runtimeHandle, error)
}

// NewRootCmd builds the whaor command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	a := &app{openRuntime: openRuntime}

	cmd := &cobra.Command{
		Use:   "whaor",
		Short: "Rotating proxies backed by a fleet of tor circuits",
		Long: `whaor starts a pool of tor containers behind an HAProxy load balancer on a
private docker network and sends requests through it. Every request may leave
through a different circuit, and failed requests are retried on another one.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: ./whaor.yaml if present)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.Bool("dry-run", false, "use an in-memory container runtime instead of docker")

	cmd.AddCommand(
		newUpCmd(a),
		newGetCmd(a),
		newReapCmd(a),
		newBuildCmd(a),
		newConfigCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	a.logger = logger
	a.closeLog = closeLog
	a.out = cmd.OutOrStdout()

	logger.Debug("configuration loaded", zap.String("file", a.configPath), zap.Bool("dry_run", cfg.Runtime.DryRun))
	return nil
}

func (a *app) teardown() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.closeLog != nil {
		return a.closeLog()
	}
	return nil
}
