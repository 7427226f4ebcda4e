// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"foundry/internal/scheduler"
	"foundry/pkg/logging"
)

// NewServeCommand returns the `foundryctl serve` command: loads the
// coordinator config, opens its configured store, and runs the
// scheduler's cron-ticked loop (spec §5) until interrupted.
func NewServeCommand() *cobra.Command {
	var interval string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop against the configured store",
		Long:  "Loads foundry.yml, opens the configured persistence backend, and advances every ready job on a tick until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, interval)
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "5s", "tick interval, e.g. 5s, 500ms")

	return cmd
}

func runServe(cmd *cobra.Command, interval string) error {
	cfg, flags, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	logger := logging.NewLogger(flags.Verbose)
	sched := scheduler.New(st, cfg, logger)

	logger.Info("starting scheduler",
		logging.NewField("env", flags.Env),
		logging.NewField("interval", interval),
		logging.NewField("sites", len(cfg.Sites)),
	)

	if err := sched.Run(ctx, interval); err != nil && err != context.Canceled {
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	logger.Info("scheduler stopped")
	return nil
}
