// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"foundry/pkg/config"
	"foundry/pkg/logging"
	"foundry/pkg/script"
)

// NewDevCommand returns the `foundryctl dev` command group.
func NewDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development-time helpers",
	}
	cmd.AddCommand(newDevWatchCommand())
	return cmd
}

// newDevWatchCommand returns `foundryctl dev watch`: lints every blueprint
// script named in foundry.yml once up front, then re-lints any of them on
// every write, surfacing a script's syntax errors before a job ever tries
// them.
func newDevWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch blueprint scripts and re-lint them on change",
		RunE:  runDevWatch,
	}
}

func runDevWatch(cmd *cobra.Command, args []string) error {
	cfg, flags, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(flags.Verbose)

	paths := scriptPaths(cfg)
	if len(paths) == 0 {
		return fmt.Errorf("dev watch: no blueprint scripts configured in %s", flags.Config)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]bool{}
	for _, p := range paths {
		lintOne(cmd, logger, p)
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	watchSet := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, _ := filepath.Abs(p)
		watchSet[abs] = true
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, _ := filepath.Abs(ev.Name)
			if !watchSet[abs] {
				continue
			}
			lintOne(cmd, logger, ev.Name)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", logging.NewField("error", werr.Error()))
		}
	}
}

func lintOne(cmd *cobra.Command, logger logging.Logger, path string) {
	// nolint:gosec // G304: path comes from the operator's own config file
	src, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("script unreadable", logging.NewField("path", path), logging.NewField("error", err.Error()))
		return
	}
	if msg := script.Lint(string(src)); msg != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", path, *msg)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
}

func scriptPaths(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, bp := range cfg.Blueprints {
		for _, path := range bp.Scripts {
			if !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
		}
	}
	return out
}
