// SPDX-License-Identifier: AGPL-3.0-or-later

// Command foundryctl is the coordinator CLI: it lints blueprint scripts,
// runs them standalone, drives the scheduler loop against a configured
// store, and manages individual jobs.
package main

import (
	"fmt"
	"os"

	"foundry/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
