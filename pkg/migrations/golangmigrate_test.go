// SPDX-License-Identifier: AGPL-3.0-or-later
package migrations_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/pkg/migrations"
)

func openMemorySQLite(t *testing.T) func() (*sql.DB, error) {
	t.Helper()
	return func() (*sql.DB, error) {
		return sql.Open("sqlite", ":memory:")
	}
}

func TestGolangMigrateEngine_ListOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2_add_index.up.sql"), []byte("CREATE INDEX idx ON jobs(state);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_create_jobs.up.sql"), []byte("CREATE TABLE jobs (id TEXT PRIMARY KEY);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_create_jobs.down.sql"), []byte("DROP TABLE jobs;"), 0o600))

	e := &migrations.GolangMigrateEngine{Dir: dir, Open: openMemorySQLite(t)}
	list, err := e.List(context.Background(), &migrations.MigrationRequest{Selection: migrations.Selection{All: true}})
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, migrations.MigrationID("1"), list[0].ID)
	assert.Equal(t, migrations.MigrationID("2"), list[1].ID)
}

func TestGolangMigrateEngine_ApplyRunsEachOnceAndSkipsOnReapply(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_create_jobs.up.sql"), []byte("CREATE TABLE jobs (id TEXT PRIMARY KEY);"), 0o600))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	open := func() (*sql.DB, error) { return sql.Open("sqlite", dbPath) }

	e := &migrations.GolangMigrateEngine{Dir: dir, Open: open}
	req := &migrations.MigrationRequest{Environment: "dev", Selection: migrations.Selection{All: true}}

	result, err := e.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Applied)
	assert.Equal(t, 0, result.Summary.Skipped)

	result, err = e.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Summary.Applied)
	assert.Equal(t, 1, result.Summary.Skipped)
}

func TestGolangMigrateEngine_ApplyNoMigrationsWithoutAllowNoopErrors(t *testing.T) {
	dir := t.TempDir()
	e := &migrations.GolangMigrateEngine{Dir: dir, Open: openMemorySQLite(t)}

	_, err := e.Apply(context.Background(), &migrations.MigrationRequest{Selection: migrations.Selection{All: true}})
	assert.Error(t, err)
}
