// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands contains the Cobra subcommands wired onto the
// coordinator's root command.
package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"foundry/pkg/config"
)

// ResolvedFlags holds the global flags every subcommand reads, after
// precedence resolution.
type ResolvedFlags struct {
	Env     string
	Config  string
	Verbose bool
	DryRun  bool
}

// ResolveFlags resolves the global flags with precedence flag > env var >
// built-in default. When cfg is non-nil, the resolved environment must
// name one of cfg.Environments.
func ResolveFlags(cmd *cobra.Command, cfg *config.Config) (*ResolvedFlags, error) {
	flags := &ResolvedFlags{}

	envFlag, _ := cmd.Flags().GetString("env")
	flags.Env = resolveString(envFlag, os.Getenv("FOUNDRY_ENV"), "dev")
	if cfg != nil && flags.Env != "" {
		if _, exists := cfg.Environments[flags.Env]; !exists {
			available := make([]string, 0, len(cfg.Environments))
			for name := range cfg.Environments {
				available = append(available, name)
			}
			return nil, fmt.Errorf("invalid environment %q; available environments: %v", flags.Env, available)
		}
	}

	configFlag, _ := cmd.Flags().GetString("config")
	flags.Config = resolveString(configFlag, os.Getenv("FOUNDRY_CONFIG"), config.DefaultConfigPath())

	verboseFlag, _ := cmd.Flags().GetBool("verbose")
	flags.Verbose = resolveBool(verboseFlag, parseBoolEnv(os.Getenv("FOUNDRY_VERBOSE")), false)

	dryRunFlag, _ := cmd.Flags().GetBool("dry-run")
	flags.DryRun = resolveBool(dryRunFlag, parseBoolEnv(os.Getenv("FOUNDRY_DRY_RUN")), false)

	return flags, nil
}

func resolveString(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if env != "" {
		return env
	}
	return def
}

func resolveBool(flag, env, def bool) bool {
	if flag {
		return true
	}
	if env {
		return true
	}
	return def
}

func parseBoolEnv(value string) bool {
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

// loadConfig loads the config at flags.Config and re-resolves flags
// against it, the pattern every subcommand that needs cfg repeats
// (resolve once to find the config path, once more to validate --env
// against the loaded Environments).
func loadConfig(cmd *cobra.Command) (*config.Config, *ResolvedFlags, error) {
	flags, err := ResolveFlags(cmd, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving flags: %w", err)
	}

	cfg, err := config.Load(flags.Config)
	if err != nil {
		if err == config.ErrConfigNotFound {
			return nil, nil, fmt.Errorf("foundry config not found at %s", flags.Config)
		}
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	flags, err = ResolveFlags(cmd, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving flags: %w", err)
	}
	return cfg, flags, nil
}
