// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"foundry/internal/scheduler"
	"foundry/pkg/logging"
)

// NewJobCommand returns the `foundryctl job` command group: the
// management actions of spec §6 (pause, resume, reset, rollback,
// clear-dispatched, signal-complete, signal-alert), each operating on a
// single job ID against the configured store.
func NewJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage a running job (pause, resume, reset, rollback, ...)",
	}

	cmd.AddCommand(newJobActionCommand("pause", "Pause a queued job", func(ctx context.Context, s *scheduler.Scheduler, id string, _ []string) error {
		return s.Pause(ctx, id)
	}))
	cmd.AddCommand(newJobActionCommand("resume", "Resume a paused job", func(ctx context.Context, s *scheduler.Scheduler, id string, _ []string) error {
		return s.Resume(ctx, id)
	}))
	cmd.AddCommand(newJobActionCommand("reset", "Clear an errored job back to queued", func(ctx context.Context, s *scheduler.Scheduler, id string, _ []string) error {
		return s.Reset(ctx, id)
	}))
	cmd.AddCommand(newJobActionCommand("rollback", "Roll back an errored job's outstanding dispatch and requeue it", func(ctx context.Context, s *scheduler.Scheduler, id string, _ []string) error {
		return s.Rollback(ctx, id)
	}))
	cmd.AddCommand(newJobActionCommand("clear-dispatched", "Clear a job's outstanding-dispatch flag without a rollback", func(ctx context.Context, s *scheduler.Scheduler, id string, _ []string) error {
		return s.ClearDispatched(ctx, id)
	}))
	cmd.AddCommand(newJobMessageCommand("signal-complete", "Post a status message without altering job state", func(ctx context.Context, s *scheduler.Scheduler, id, msg string) error {
		return s.SignalComplete(ctx, id, msg)
	}))
	cmd.AddCommand(newJobMessageCommand("signal-alert", "Post an alert message; moves a queued/paused job to error", func(ctx context.Context, s *scheduler.Scheduler, id, msg string) error {
		return s.SignalAlert(ctx, id, msg)
	}))

	return cmd
}

func newJobActionCommand(use, short string, fn func(ctx context.Context, s *scheduler.Scheduler, id string, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
				return fn(ctx, s, args[0], args[1:])
			})
		},
	}
}

func newJobMessageCommand(use, short string, fn func(ctx context.Context, s *scheduler.Scheduler, id, msg string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id> <message>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
				return fn(ctx, s, args[0], args[1])
			})
		},
	}
}

// withScheduler loads the config, opens its store, and builds a
// Scheduler for a single management-action invocation.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, s *scheduler.Scheduler) error) error {
	cfg, flags, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	logger := logging.NewLogger(flags.Verbose)
	sched := scheduler.New(st, cfg, logger)
	return fn(ctx, sched)
}
