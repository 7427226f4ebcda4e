// SPDX-License-Identifier: AGPL-3.0-or-later

// Package litestore is the embedded-SQLite store.Store, for single-host
// deployments that don't want a Postgres dependency. Built on
// modernc.org/sqlite the same way pkg/migrations.GolangMigrateEngine
// targets it. A single open connection serializes every lease
// transaction, this driver's approximation of the per-row lease pgstore
// gets from `SELECT ... FOR UPDATE` — adequate for the single-coordinator
// model of spec §5.
package litestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"foundry/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS foundry_jobs (
	id      TEXT PRIMARY KEY,
	site    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	state   TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	blob    BLOB
);
CREATE TABLE IF NOT EXISTS foundry_entities (
	kind    TEXT NOT NULL,
	locator TEXT NOT NULL,
	site    TEXT NOT NULL,
	blob    BLOB,
	PRIMARY KEY (kind, locator)
);
`

// Store is a modernc.org/sqlite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if absent) the SQLite database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("litestore: opening %s: %w", path, err)
	}
	// A single shared *sql.DB talking to one SQLite file must not run
	// concurrent writers, or the lease transactions below race.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("litestore: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) QueuedJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM foundry_jobs WHERE state = 'queued' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) LeaseJob(ctx context.Context, id string) (store.JobRecord, store.Lease, error) {
	// MaxOpenConns(1) above means this BeginTx already serializes every
	// caller onto the database's single connection, standing in for the
	// per-row FOR UPDATE lease pgstore takes against a real server.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.JobRecord{}, nil, err
	}

	var rec store.JobRecord
	row := tx.QueryRowContext(ctx, `SELECT id, site, kind, state, message, blob FROM foundry_jobs WHERE id = ?`, id)
	if err := row.Scan(&rec.ID, &rec.Site, &rec.Kind, &rec.State, &rec.Message, &rec.Blob); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return store.JobRecord{}, nil, store.ErrNotFound
		}
		return store.JobRecord{}, nil, err
	}
	return rec, &liteLease{tx: tx}, nil
}

func (s *Store) PutJob(ctx context.Context, rec store.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foundry_jobs (id, site, kind, state, message, blob) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET site = excluded.site, kind = excluded.kind,
			state = excluded.state, message = excluded.message, blob = excluded.blob
	`, rec.ID, rec.Site, rec.Kind, rec.State, rec.Message, rec.Blob)
	return err
}

func (s *Store) GetEntity(ctx context.Context, kind store.EntityKind, locator string) (store.EntityRecord, error) {
	var rec store.EntityRecord
	row := s.db.QueryRowContext(ctx, `SELECT kind, locator, site, blob FROM foundry_entities WHERE kind = ? AND locator = ?`, string(kind), locator)
	if err := row.Scan(&rec.Kind, &rec.Locator, &rec.Site, &rec.Blob); err != nil {
		if err == sql.ErrNoRows {
			return store.EntityRecord{}, store.ErrNotFound
		}
		return store.EntityRecord{}, err
	}
	return rec, nil
}

func (s *Store) PutEntity(ctx context.Context, rec store.EntityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foundry_entities (kind, locator, site, blob) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, locator) DO UPDATE SET site = excluded.site, blob = excluded.blob
	`, string(rec.Kind), rec.Locator, rec.Site, rec.Blob)
	return err
}

func (s *Store) ListEntities(ctx context.Context, site string) ([]store.EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, locator, site, blob FROM foundry_entities WHERE site = ? ORDER BY kind, locator`, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EntityRecord
	for rows.Next() {
		var rec store.EntityRecord
		if err := rows.Scan(&rec.Kind, &rec.Locator, &rec.Site, &rec.Blob); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

type liteLease struct {
	tx *sql.Tx
}

func (l *liteLease) Commit(ctx context.Context, rec store.JobRecord) error {
	if _, err := l.tx.ExecContext(ctx, `
		UPDATE foundry_jobs SET site = ?, kind = ?, state = ?, message = ?, blob = ? WHERE id = ?
	`, rec.Site, rec.Kind, rec.State, rec.Message, rec.Blob, rec.ID); err != nil {
		_ = l.tx.Rollback()
		return err
	}
	return l.tx.Commit()
}

func (l *liteLease) Rollback(_ context.Context) error {
	return l.tx.Rollback()
}
