// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"foundry/pkg/runner"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

// NewRunCommand returns the `foundryctl run` command, which interprets a
// single script to completion (or first suspension) against an
// unmanaged, in-process Runner — useful for exercising a blueprint script
// without a coordinator, store, or scheduler.
func NewRunCommand() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "run <script.foundry>",
		Short: "Interpret a single script locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, args[0], vars)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "preload a variable as name=value (int, float, bool, or string)")
	return cmd
}

func runScript(cmd *cobra.Command, path string, rawVars []string) error {
	// nolint:gosec // G304: path is an operator-supplied CLI argument
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	root, err := script.Parse(string(src))
	if err != nil {
		return fmt.Errorf("parsing script: %w", err)
	}

	vars, err := parseVarFlags(rawVars)
	if err != nil {
		return err
	}

	r := runner.New(root, vars)
	runErr := r.Run(cmd.Context())

	out := cmd.OutOrStdout()
	printFinalState(out, r, runErr)
	if runErr != nil {
		if _, recoverable := runErr.(*runner.Timeout); recoverable {
			return nil
		}
		if _, recoverable := runErr.(*runner.Pause); recoverable {
			return nil
		}
		if _, recoverable := runErr.(*runner.Interrupt); recoverable {
			return nil
		}
		if _, recoverable := runErr.(*runner.ExecutionError); recoverable {
			return nil
		}
		return runErr
	}
	return nil
}

func printFinalState(out io.Writer, r *runner.Runner, runErr error) {
	state := r.State
	if state == "" {
		state = "suspended"
	}
	fmt.Fprintf(out, "state: %s\n", state)
	if runErr != nil {
		fmt.Fprintf(out, "message: %s\n", runErr.Error())
	}

	names := make([]string, 0, len(r.Vars))
	for name := range r.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s = %s\n", name, r.Vars[name].String())
	}
}

// parseVarFlags turns repeated --var name=value flags into a preloaded
// variable map, guessing the value's kind the way a shell-facing tool
// must: integer, then float, then bool, else string.
func parseVarFlags(rawVars []string) (map[string]value.Value, error) {
	vars := make(map[string]value.Value, len(rawVars))
	for _, raw := range rawVars {
		name, val, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("--var %q: expected name=value", raw)
		}
		vars[name] = guessValue(val)
	}
	return vars, nil
}

func guessValue(s string) value.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return value.Bool(b)
	}
	return value.String(s)
}
