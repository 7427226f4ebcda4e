// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"foundry/internal/providers/migration/raw"
	"foundry/pkg/config"
	"foundry/pkg/logging"
	"foundry/pkg/migrations"
)

// NewMigrateCommand returns the `foundryctl migrate` command: it loads
// the configured migration engine, then plans or applies the coordinator's
// own schema migrations against it.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run coordinator schema migrations",
		Long:  "Loads foundry.yml, resolves the configured migration engine, and plans or applies migrations.",
		RunE:  runMigrate,
	}

	cmd.Flags().Bool("plan", false, "show the migration plan without applying")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, flags, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Migrations == nil {
		return fmt.Errorf("no migrations configured in %s", flags.Config)
	}
	enabled := true
	if cfg.Migrations.Enabled != nil {
		enabled = *cfg.Migrations.Enabled
	}
	if !enabled {
		return fmt.Errorf("migrations are disabled in %s", flags.Config)
	}

	engineName := resolveEngineName(cfg.Migrations, flags.Env)
	engine, err := buildEngine(engineName, cfg.Migrations)
	if err != nil {
		return err
	}

	sel := resolveSelection(cfg.Migrations, flags.Env)
	planOnly, _ := cmd.Flags().GetBool("plan")
	if flags.DryRun {
		planOnly = true
	}

	logger := logging.NewLogger(flags.Verbose)
	logger.Info("running migrations",
		logging.NewField("engine", engineName),
		logging.NewField("env", flags.Env),
		logging.NewField("plan_only", planOnly),
	)

	req := &migrations.MigrationRequest{
		Environment: flags.Env,
		Mode:        migrations.ModePlan,
		Selection: migrations.Selection{
			All:  sel.All,
			IDs:  toMigrationIDs(sel.IDs),
			Tags: sel.Tags,
		},
	}

	out := cmd.OutOrStdout()
	if planOnly {
		plan, err := engine.Plan(ctx, req)
		if err != nil {
			return fmt.Errorf("planning migrations: %w", err)
		}
		fmt.Fprintf(out, "Migration plan for %s (%d step(s), %d to apply):\n",
			plan.Environment, plan.Summary.Total, plan.Summary.WouldApply)
		for _, step := range plan.Steps {
			fmt.Fprintf(out, "  - %s [%s] %s\n", step.ID, step.Outcome, step.Message)
		}
		return nil
	}

	req.Mode = migrations.ModeApply
	result, err := engine.Apply(ctx, req)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Fprintf(out, "Applied %d/%d migration(s) (%d skipped, %d failed)\n",
		result.Summary.Applied, result.Summary.Total, result.Summary.Skipped, result.Summary.Failed)
	if result.Summary.Failed > 0 {
		return fmt.Errorf("migrate: %d migration(s) failed", result.Summary.Failed)
	}
	return nil
}

// buildEngine constructs the named migration engine directly from the
// coordinator's migrations config, rather than through a process-wide
// registry: unlike script subcontractor modules (pkg/registry), a
// migration engine needs config-derived construction arguments (its SQL
// directory, its connection env var) on every invocation, so there is
// no static registration to look up.
func buildEngine(name string, cfg *config.MigrationsRootConfig) (migrations.Engine, error) {
	sqlDir := ""
	if cfg.Sources != nil {
		sqlDir = cfg.Sources.RawSQLDir
	}

	switch name {
	case "raw":
		connEnv, _ := cfg.EngineConfig["raw"]["connection_env"].(string)
		if connEnv == "" {
			connEnv = "FOUNDRY_DATABASE_URL"
		}
		return raw.New(sqlDir, connEnv), nil
	case "golang-migrate":
		path, _ := cfg.EngineConfig["golang-migrate"]["sqlite_path"].(string)
		if path == "" {
			path = os.Getenv("FOUNDRY_SQLITE_PATH")
		}
		return &migrations.GolangMigrateEngine{
			Dir:  sqlDir,
			Open: func() (*sql.DB, error) { return sql.Open("sqlite", path) },
		}, nil
	default:
		return nil, fmt.Errorf("unknown migration engine %q; supported engines: raw, golang-migrate", name)
	}
}

func resolveEngineName(cfg *config.MigrationsRootConfig, env string) string {
	if ov, ok := cfg.Env[env]; ok && ov.DefaultEngine != nil && *ov.DefaultEngine != "" {
		return *ov.DefaultEngine
	}
	return cfg.DefaultEngine
}

func resolveSelection(cfg *config.MigrationsRootConfig, env string) config.MigrationSelectionConfig {
	if ov, ok := cfg.Env[env]; ok && ov.Selection != nil {
		return *ov.Selection
	}
	if cfg.Selection != nil {
		return *cfg.Selection
	}
	return config.MigrationSelectionConfig{All: true}
}

func toMigrationIDs(ids []string) []migrations.MigrationID {
	out := make([]migrations.MigrationID, len(ids))
	for i, id := range ids {
		out[i] = migrations.MigrationID(id)
	}
	return out
}
