// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pgstore is the Postgres-backed store.Store, using
// database/sql with the pgx/v5 stdlib driver the same way
// internal/providers/migration/raw.Engine connects, and
// SELECT ... FOR UPDATE to hold a job's lease for the duration of one
// scheduler tick (spec §5: "each job holds an exclusive lease on its
// target entity row").
package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"foundry/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS foundry_jobs (
	id      TEXT PRIMARY KEY,
	site    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	state   TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	blob    BYTEA NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS foundry_jobs_state_idx ON foundry_jobs (state);

CREATE TABLE IF NOT EXISTS foundry_entities (
	kind    TEXT NOT NULL,
	locator TEXT NOT NULL,
	site    TEXT NOT NULL,
	blob    BYTEA NOT NULL DEFAULT '',
	PRIMARY KEY (kind, locator)
);
CREATE INDEX IF NOT EXISTS foundry_entities_site_idx ON foundry_entities (site);
`

// Store is a Postgres-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dbURL and ensures the coordinator's tables exist.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: opening connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: creating schema: %w", err)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.JobRecord{}, nil, err
	}

	var rec store.JobRecord
	row := tx.QueryRowContext(ctx, `SELECT id, site, kind, state, message, blob FROM foundry_jobs WHERE id = $1 FOR UPDATE NOWAIT`, id)
	if err := row.Scan(&rec.ID, &rec.Site, &rec.Kind, &rec.State, &rec.Message, &rec.Blob); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return store.JobRecord{}, nil, store.ErrNotFound
		}
		// A lock-not-available error surfaces as a generic driver error;
		// treat anything else failing to scan as a lease conflict since
		// NOWAIT is the only other way this query can fail against an
		// existing row.
		return store.JobRecord{}, nil, store.ErrLeaseConflict
	}
	return rec, &pgLease{tx: tx}, nil
}

func (s *Store) PutJob(ctx context.Context, rec store.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foundry_jobs (id, site, kind, state, message, blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			site = EXCLUDED.site, kind = EXCLUDED.kind, state = EXCLUDED.state,
			message = EXCLUDED.message, blob = EXCLUDED.blob
	`, rec.ID, rec.Site, rec.Kind, rec.State, rec.Message, rec.Blob)
	return err
}

func (s *Store) GetEntity(ctx context.Context, kind store.EntityKind, locator string) (store.EntityRecord, error) {
	var rec store.EntityRecord
	row := s.db.QueryRowContext(ctx, `SELECT kind, locator, site, blob FROM foundry_entities WHERE kind = $1 AND locator = $2`, string(kind), locator)
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
		INSERT INTO foundry_entities (kind, locator, site, blob)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, locator) DO UPDATE SET site = EXCLUDED.site, blob = EXCLUDED.blob
	`, string(rec.Kind), rec.Locator, rec.Site, rec.Blob)
	return err
}

func (s *Store) ListEntities(ctx context.Context, site string) ([]store.EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, locator, site, blob FROM foundry_entities WHERE site = $1 ORDER BY kind, locator`, site)
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

type pgLease struct {
	tx *sql.Tx
}

func (l *pgLease) Commit(ctx context.Context, rec store.JobRecord) error {
	if _, err := l.tx.ExecContext(ctx, `
		UPDATE foundry_jobs SET site = $2, kind = $3, state = $4, message = $5, blob = $6 WHERE id = $1
	`, rec.ID, rec.Site, rec.Kind, rec.State, rec.Message, rec.Blob); err != nil {
		_ = l.tx.Rollback()
		return err
	}
	return l.tx.Commit()
}

func (l *pgLease) Rollback(_ context.Context) error {
	return l.tx.Rollback()
}
