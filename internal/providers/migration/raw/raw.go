// SPDX-License-Identifier: AGPL-3.0-or-later

// Package raw provides the raw SQL migration engine: it reads ordered
// .sql files from a directory and applies each in its own transaction
// against the coordinator's own schema (sites, foundations, structures,
// dependencies, complexes, jobs), tracking applied IDs in a migrations
// table in that same database.
package raw

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"foundry/pkg/migrations"
)

const schemaTable = "foundry_schema_migrations"

// Engine applies .sql files from SQLDir against the database named by the
// environment variable ConnectionEnv.
type Engine struct {
	SQLDir        string
	ConnectionEnv string
}

var _ migrations.ValidatingEngine = (*Engine)(nil)

// New returns a raw engine reading migrations from sqlDir and connecting
// via the database URL in the connectionEnv environment variable.
func New(sqlDir, connectionEnv string) *Engine {
	return &Engine{SQLDir: sqlDir, ConnectionEnv: connectionEnv}
}

// Name satisfies migrations.Engine.
func (e *Engine) Name() string { return "raw" }

// List returns the ordered .sql files in SQLDir, filtered by req.Selection.
func (e *Engine) List(_ context.Context, req *migrations.MigrationRequest) ([]migrations.Migration, error) {
	if e.SQLDir == "" {
		return nil, &migrations.MigrationError{Kind: migrations.ErrInvalidConfig, Message: "migration path is required"}
	}

	entries, err := os.ReadDir(e.SQLDir)
	if err != nil {
		return nil, &migrations.MigrationError{Kind: migrations.ErrInvalidConfig, Message: "reading migration directory", Cause: err}
	}

	var all []migrations.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		all = append(all, migrations.Migration{
			ID:          migrations.MigrationID(entry.Name()),
			Description: fmt.Sprintf("SQL migration: %s", entry.Name()),
			Source:      "sql:" + filepath.Join(e.SQLDir, entry.Name()),
		})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return migrations.Select(all, req.Selection), nil
}

// Plan reports, for each selected migration, whether it has already been
// applied without mutating the target database.
func (e *Engine) Plan(ctx context.Context, req *migrations.MigrationRequest) (migrations.MigrationPlan, error) {
	list, err := e.List(ctx, req)
	if err != nil {
		return migrations.MigrationPlan{}, err
	}

	db, closeDB, err := e.connect(ctx)
	if err != nil {
		return migrations.MigrationPlan{}, err
	}
	defer closeDB()

	if err := e.ensureSchemaTable(ctx, db); err != nil {
		return migrations.MigrationPlan{}, err
	}

	plan := migrations.MigrationPlan{Engine: e.Name(), Environment: req.Environment}
	for _, m := range list {
		applied, err := e.isApplied(ctx, db, m.ID)
		if err != nil {
			return migrations.MigrationPlan{}, &migrations.MigrationError{Kind: migrations.ErrInternal, Message: "checking migration status", Cause: err, StepID: m.ID}
		}
		if applied {
			plan.Steps = append(plan.Steps, migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeSkipped, Message: "already applied"})
			plan.Summary.WouldSkip++
		} else {
			plan.Steps = append(plan.Steps, migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeApplied, Message: "would apply"})
			plan.Summary.WouldApply++
		}
		plan.Summary.Total++
	}
	return plan, nil
}

// Apply runs each not-yet-applied selected migration in its own
// transaction and records it in the schema table.
func (e *Engine) Apply(ctx context.Context, req *migrations.MigrationRequest) (migrations.MigrationApplyResult, error) {
	if req.DryRun {
		plan, err := e.Plan(ctx, req)
		if err != nil {
			return migrations.MigrationApplyResult{}, err
		}
		return migrations.MigrationApplyResult{Engine: plan.Engine, Environment: plan.Environment, Steps: plan.Steps, Summary: migrations.ApplySummary{Total: plan.Summary.Total, Skipped: plan.Summary.WouldSkip}}, nil
	}

	list, err := e.List(ctx, req)
	if err != nil {
		return migrations.MigrationApplyResult{}, err
	}
	if len(list) == 0 && !req.AllowNoop {
		return migrations.MigrationApplyResult{}, &migrations.MigrationError{Kind: migrations.ErrInvalidConfig, Message: fmt.Sprintf("no SQL migration files found in %s", e.SQLDir)}
	}

	db, closeDB, err := e.connect(ctx)
	if err != nil {
		return migrations.MigrationApplyResult{}, err
	}
	defer closeDB()

	if err := e.ensureSchemaTable(ctx, db); err != nil {
		return migrations.MigrationApplyResult{}, err
	}

	result := migrations.MigrationApplyResult{Engine: e.Name(), Environment: req.Environment}
	for _, m := range list {
		step, stepErr := e.applyOne(ctx, db, m)
		result.Steps = append(result.Steps, step)
		result.Summary.Total++
		switch step.Outcome {
		case migrations.OutcomeApplied:
			result.Summary.Applied++
		case migrations.OutcomeSkipped:
			result.Summary.Skipped++
		case migrations.OutcomeFailed:
			result.Summary.Failed++
		}
		if stepErr != nil && req.FailFast {
			return result, stepErr
		}
	}
	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, db *sql.DB, m migrations.Migration) (migrations.MigrationStepResult, error) {
	applied, err := e.isApplied(ctx, db, m.ID)
	if err != nil {
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}
	if applied {
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeSkipped, Message: "already applied"}, nil
	}

	sqlPath := filepath.Join(e.SQLDir, string(m.ID))
	// nolint:gosec // G304: migration files are read from a configured directory
	content, err := os.ReadFile(sqlPath)
	if err != nil {
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, applied_at) VALUES ($1, NOW())", schemaTable), string(m.ID)); err != nil {
		_ = tx.Rollback()
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}
	if err := tx.Commit(); err != nil {
		return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeFailed, Message: err.Error()}, err
	}
	return migrations.MigrationStepResult{ID: m.ID, Outcome: migrations.OutcomeApplied}, nil
}

// Validate checks that SQLDir exists and ConnectionEnv is set, without
// connecting to the database.
func (e *Engine) Validate(_ context.Context, req *migrations.MigrationRequest) (migrations.ValidationResult, error) {
	res := migrations.ValidationResult{Engine: e.Name(), Environment: req.Environment, OK: true}
	if _, err := os.Stat(e.SQLDir); err != nil {
		res.OK = false
		res.Message = fmt.Sprintf("migration directory does not exist: %s", e.SQLDir)
		return res, nil
	}
	if os.Getenv(e.ConnectionEnv) == "" {
		res.OK = false
		res.Message = fmt.Sprintf("connection environment variable %q is not set", e.ConnectionEnv)
		return res, nil
	}
	return res, nil
}

func (e *Engine) connect(ctx context.Context) (*sql.DB, func(), error) {
	dbURL := os.Getenv(e.ConnectionEnv)
	if dbURL == "" {
		return nil, nil, &migrations.MigrationError{Kind: migrations.ErrConnectionFailed, Message: fmt.Sprintf("connection environment variable %q is not set", e.ConnectionEnv)}
	}
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, nil, &migrations.MigrationError{Kind: migrations.ErrConnectionFailed, Message: "connecting to database", Cause: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, &migrations.MigrationError{Kind: migrations.ErrConnectionFailed, Message: "pinging database", Cause: err}
	}
	return db, func() { _ = db.Close() }, nil
}

func (e *Engine) ensureSchemaTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`, schemaTable))
	return err
}

func (e *Engine) isApplied(ctx context.Context, db *sql.DB, id migrations.MigrationID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = $1", schemaTable), string(id)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
