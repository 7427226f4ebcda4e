// SPDX-License-Identifier: AGPL-3.0-or-later
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// golangMigrateNamePattern matches golang-migrate/migrate/v4's file source
// naming convention: <version>_<description>.up.sql /
// <version>_<description>.down.sql. GolangMigrateEngine only reproduces
// this enumeration shape (the library's source.Driver contract); it does
// not depend on the library itself — pulling in the full migrate/v4
// module means pulling in a database driver for every engine it
// supports, disproportionate for exercising one embedded engine's
// bootstrap path.
var golangMigrateNamePattern = regexp.MustCompile(`^(\d+)_(.+)\.up\.sql$`)

// GolangMigrateEngine applies versioned up-migrations from a directory
// following golang-migrate's file source naming convention, against a
// database/sql connection (litestore's modernc.org/sqlite handle).
type GolangMigrateEngine struct {
	Dir  string
	Open func() (*sql.DB, error)
}

var _ Engine = (*GolangMigrateEngine)(nil)

// Name satisfies Engine.
func (e *GolangMigrateEngine) Name() string { return "golang-migrate" }

type versionedFile struct {
	version     int
	description string
	file        string
}

func (e *GolangMigrateEngine) scan() ([]versionedFile, error) {
	entries, err := os.ReadDir(e.Dir)
	if err != nil {
		return nil, &MigrationError{Kind: ErrInvalidConfig, Message: "reading migration directory", Cause: err}
	}
	var out []versionedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := golangMigrateNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, versionedFile{version: v, description: m[2], file: entry.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// List returns the up-migrations found in Dir, filtered by req.Selection.
func (e *GolangMigrateEngine) List(_ context.Context, req *MigrationRequest) ([]Migration, error) {
	files, err := e.scan()
	if err != nil {
		return nil, err
	}
	var all []Migration
	for _, f := range files {
		all = append(all, Migration{
			ID:          MigrationID(strconv.Itoa(f.version)),
			Description: strings.ReplaceAll(f.description, "_", " "),
			Source:      "sql:" + f.file,
		})
	}
	return Select(all, req.Selection), nil
}

const golangMigrateSchemaTable = "foundry_schema_migrations_gm"

// Plan reports which up-migrations remain unapplied.
func (e *GolangMigrateEngine) Plan(ctx context.Context, req *MigrationRequest) (MigrationPlan, error) {
	list, err := e.List(ctx, req)
	if err != nil {
		return MigrationPlan{}, err
	}
	db, err := e.Open()
	if err != nil {
		return MigrationPlan{}, &MigrationError{Kind: ErrConnectionFailed, Message: "opening database", Cause: err}
	}
	defer func() { _ = db.Close() }()

	if err := e.ensureSchemaTable(ctx, db); err != nil {
		return MigrationPlan{}, err
	}

	plan := MigrationPlan{Engine: e.Name(), Environment: req.Environment}
	for _, m := range list {
		applied, err := e.isApplied(ctx, db, m.ID)
		if err != nil {
			return MigrationPlan{}, &MigrationError{Kind: ErrInternal, Message: "checking migration status", Cause: err, StepID: m.ID}
		}
		outcome := OutcomeApplied
		if applied {
			outcome = OutcomeSkipped
			plan.Summary.WouldSkip++
		} else {
			plan.Summary.WouldApply++
		}
		plan.Steps = append(plan.Steps, MigrationStepResult{ID: m.ID, Outcome: outcome})
		plan.Summary.Total++
	}
	return plan, nil
}

// Apply runs each not-yet-applied up-migration in order.
func (e *GolangMigrateEngine) Apply(ctx context.Context, req *MigrationRequest) (MigrationApplyResult, error) {
	list, err := e.List(ctx, req)
	if err != nil {
		return MigrationApplyResult{}, err
	}
	if len(list) == 0 && !req.AllowNoop {
		return MigrationApplyResult{}, &MigrationError{Kind: ErrInvalidConfig, Message: fmt.Sprintf("no migrations found in %s", e.Dir)}
	}

	db, err := e.Open()
	if err != nil {
		return MigrationApplyResult{}, &MigrationError{Kind: ErrConnectionFailed, Message: "opening database", Cause: err}
	}
	defer func() { _ = db.Close() }()

	if err := e.ensureSchemaTable(ctx, db); err != nil {
		return MigrationApplyResult{}, err
	}

	result := MigrationApplyResult{Engine: e.Name(), Environment: req.Environment}
	for _, m := range list {
		step, stepErr := e.applyOne(ctx, db, m)
		result.Steps = append(result.Steps, step)
		result.Summary.Total++
		switch step.Outcome {
		case OutcomeApplied:
			result.Summary.Applied++
		case OutcomeSkipped:
			result.Summary.Skipped++
		case OutcomeFailed:
			result.Summary.Failed++
		}
		if stepErr != nil && req.FailFast {
			return result, stepErr
		}
	}
	return result, nil
}

func (e *GolangMigrateEngine) applyOne(ctx context.Context, db *sql.DB, m Migration) (MigrationStepResult, error) {
	applied, err := e.isApplied(ctx, db, m.ID)
	if err != nil {
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}
	if applied {
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeSkipped}, nil
	}

	content, err := os.ReadFile(e.Dir + "/" + strings.TrimPrefix(m.Source, "sql:"))
	if err != nil {
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (?)", golangMigrateSchemaTable), string(m.ID)); err != nil {
		_ = tx.Rollback()
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}
	if err := tx.Commit(); err != nil {
		return MigrationStepResult{ID: m.ID, Outcome: OutcomeFailed, Message: err.Error()}, err
	}
	return MigrationStepResult{ID: m.ID, Outcome: OutcomeApplied}, nil
}

func (e *GolangMigrateEngine) ensureSchemaTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY)`, golangMigrateSchemaTable))
	return err
}

func (e *GolangMigrateEngine) isApplied(ctx context.Context, db *sql.DB, id MigrationID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", golangMigrateSchemaTable), string(id)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
