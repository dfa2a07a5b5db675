package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the command that runs the daemon until SIGINT or
// SIGTERM.
func NewRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the module runtime",
		Long: `Run loads the configuration file, if any, then MODHUB_* environment
variables, and runs until interrupted. Shutdown drains every module runner
within runtime.shutdownTimeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, configPath, cmd)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml, .yml, .toml or .json)")
	return cmd
}

func runDaemon(ctx context.Context, configPath string, cmd *cobra.Command) error {
	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr(), level)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, configPath, logger, level)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		_ = d.stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("Shutdown requested", "timeout", cfg.Runtime.ShutdownTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
	defer cancel()
	return d.stop(stopCtx)
}
