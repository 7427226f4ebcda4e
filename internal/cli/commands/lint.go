// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foundry/pkg/script"
)

// NewLintCommand returns the `foundryctl lint` command: parse every script
// path given and report the first parse error found in each, the way
// script.Lint surfaces it to a single string or nil (spec §4.1).
func NewLintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <script.foundry>...",
		Short: "Check blueprint scripts for parse errors",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLint,
	}
	return cmd
}

func runLint(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := false

	for _, path := range args {
		// nolint:gosec // G304: path is an operator-supplied CLI argument
		src, err := os.ReadFile(path)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}

		if msg := script.Lint(string(src)); msg != nil {
			failed = true
			fmt.Fprintf(out, "%s: %s\n", path, *msg)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", path)
	}

	if failed {
		return fmt.Errorf("lint: one or more scripts failed to parse")
	}
	return nil
}
