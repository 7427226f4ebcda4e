// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const migrationsTestBase = `
project:
  name: "test-app"
sites:
  - name: dc1
store:
  driver: memory
environments:
  dev:
    driver: "local"
`

func TestLoad_ValidatesMigrationsConfig_MinimalValid(t *testing.T) {
	path := writeConfig(t, migrationsTestBase+`
migrations:
  default_engine: "raw"
  sources:
    raw_sql_dir: "migrations/sql"
  selection:
    all: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Migrations)
	assert.Equal(t, "raw", cfg.Migrations.DefaultEngine)
	require.NotNil(t, cfg.Migrations.Sources)
	assert.Equal(t, "migrations/sql", cfg.Migrations.Sources.RawSQLDir)
	require.NotNil(t, cfg.Migrations.Selection)
	assert.True(t, cfg.Migrations.Selection.All)
}

func TestLoad_ValidatesMigrationsConfig_SelectionAllCannotCombine(t *testing.T) {
	path := writeConfig(t, migrationsTestBase+`
migrations:
  default_engine: "raw"
  selection:
    all: true
    tags: ["schema"]
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "migrations.selection")
}

func TestLoad_NormalizesMigrationsConfig_SortsLists(t *testing.T) {
	path := writeConfig(t, migrationsTestBase+`
migrations:
  default_engine: "raw"
  selection:
    all: false
    ids: ["m2", "m1"]
    tags: ["z", "a"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Migrations)
	require.NotNil(t, cfg.Migrations.Selection)

	assert.Equal(t, []string{"m1", "m2"}, cfg.Migrations.Selection.IDs)
	assert.Equal(t, []string{"a", "z"}, cfg.Migrations.Selection.Tags)
}

func TestLoad_ValidatesMigrationsConfig_RejectsDotDotPaths(t *testing.T) {
	path := writeConfig(t, migrationsTestBase+`
migrations:
  default_engine: "raw"
  sources:
    raw_sql_dir: "../migrations"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "must not contain '..'")
}
