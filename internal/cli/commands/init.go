// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"foundry/pkg/config"
	"foundry/pkg/logging"
)

// NewInitCommand returns the `foundryctl init` command, which gathers a few
// prompts and writes a starter foundry.yml.
func NewInitCommand() *cobra.Command {
	var nonInteractive bool
	var configPath string
	var projectName string
	var siteName string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a foundry config into the current project",
		Long: `Creates a minimal foundry.yml in the current directory: one site,
an in-memory store, and a dev environment, ready to grow blueprints and
subcontractor registrations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger := logging.NewLogger(verbose)

			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}

			exists, err := config.Exists(configPath)
			if err != nil {
				return fmt.Errorf("checking existing config at %s: %w", configPath, err)
			}
			if exists {
				logger.Warn("config file already exists", logging.NewField("path", configPath))
				fmt.Fprintf(out, "A foundry config already exists at %s.\n", configPath)
				fmt.Fprintf(out, "Run 'foundryctl init --config <path>' to create one elsewhere.\n")
				return nil
			}

			cfg, err := gatherConfig(os.Stdout, nonInteractive, projectName, siteName)
			if err != nil {
				return fmt.Errorf("gathering configuration: %w", err)
			}

			if err := writeConfig(configPath, cfg); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			logger.Info("created foundry config",
				logging.NewField("path", configPath),
				logging.NewField("project", cfg.Project.Name),
			)
			fmt.Fprintf(out, "Created foundry config at %s\n", configPath)
			fmt.Fprintf(out, "Run 'foundryctl lint' to check your scripts, then 'foundryctl serve' to start the coordinator.\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "run without interactive prompts and use defaults")
	cmd.Flags().StringVar(&configPath, "config", "", "path to foundry config file (default: foundry.yml)")
	cmd.Flags().StringVar(&projectName, "project-name", "", "project name (default: directory name)")
	cmd.Flags().StringVar(&siteName, "site", "default", "initial site name")

	return cmd
}

func gatherConfig(out *os.File, nonInteractive bool, projectName, siteName string) (*config.Config, error) {
	if projectName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		defaultName := filepath.Base(wd)
		if nonInteractive {
			projectName = defaultName
		} else {
			fmt.Fprintf(out, "Project name [%s]: ", defaultName)
			var input string
			fmt.Scanln(&input)
			if strings.TrimSpace(input) == "" {
				projectName = defaultName
			} else {
				projectName = strings.TrimSpace(input)
			}
		}
	}

	if siteName == "" {
		siteName = "default"
	}

	cfg := &config.Config{
		Project: config.ProjectConfig{Name: projectName},
		Sites:   []config.SiteConfig{{Name: siteName}},
		Store:   config.StoreConfig{Driver: "memory"},
		Environments: map[string]config.EnvironmentConfig{
			"dev": {Driver: "local"},
		},
	}
	return cfg, nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
