// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli wires together the foundry coordinator's root Cobra command
// and global CLI options.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"foundry/internal/cli/commands"
)

// NewRootCommand constructs the foundryctl root Cobra command. It wires
// subcommands for linting scripts, running a single script interpretation
// locally, starting the scheduler (serve), managing individual jobs, and
// watching blueprint scripts for lint errors during development (dev
// watch).
func NewRootCommand() *cobra.Command {
	version := os.Getenv("FOUNDRY_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "foundryctl",
		Short:         "foundryctl – resumable infrastructure orchestration coordinator",
		Long:          "foundryctl drives foundation/structure/dependency scripts against a fleet of subcontractor workers.",
		SilenceUsage:  true, // don't dump usage on user errors
		SilenceErrors: true, // centralize error printing in main()
	}

	// Global flags - registered in lexicographic order for deterministic help output
	cmd.PersistentFlags().StringP("config", "c", "", "path to foundry.yml")
	cmd.PersistentFlags().Bool("dry-run", false, "show actions without executing")
	cmd.PersistentFlags().StringP("env", "e", "", "target environment")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	// Version command - simple and explicit.
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of foundryctl",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("foundryctl version %s\n", version)
		},
	})

	// Subcommands - keep registrations in lexicographic order by .Use
	// for deterministic help output.
	cmd.AddCommand(commands.NewDevCommand())
	cmd.AddCommand(commands.NewFoundationCommand())
	cmd.AddCommand(commands.NewInitCommand())
	cmd.AddCommand(commands.NewJobCommand())
	cmd.AddCommand(commands.NewLintCommand())
	cmd.AddCommand(commands.NewMigrateCommand())
	cmd.AddCommand(commands.NewRunCommand())
	cmd.AddCommand(commands.NewServeCommand())

	return cmd
}
