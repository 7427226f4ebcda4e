// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"

	"github.com/spf13/cobra"

	"foundry/internal/scheduler"
)

// NewFoundationCommand returns the `foundryctl foundation` command
// group. `locate` is the operator-facing entry point for the
// planned→located transition: once the hardware backing a foundation
// has been identified (and any discovery agent released), this records
// it as located so its create job can start.
func NewFoundationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foundation",
		Short: "Drive foundation lifecycle transitions",
	}

	var idMap string
	locate := &cobra.Command{
		Use:   "locate <locator>",
		Short: "Mark a planned foundation as located",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
				return s.LocateFoundation(ctx, args[0], idMap)
			})
		},
	}
	locate.Flags().StringVar(&idMap, "id-map", "", "hardware identifier JSON to attach before locating")
	cmd.AddCommand(locate)

	return cmd
}
