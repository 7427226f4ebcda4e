// SPDX-License-Identifier: AGPL-3.0-or-later

package pgstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestStore_QueuedJobIDs(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id"}).AddRow("job1").AddRow("job2")
	mock.ExpectQuery(`SELECT id FROM foundry_jobs WHERE state = 'queued' ORDER BY id`).WillReturnRows(rows)

	ids, err := s.QueuedJobIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job1", "job2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LeaseJobCommit(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "site", "kind", "state", "message", "blob"}).
		AddRow("job1", "dc1", "foundation", "queued", "", []byte(nil))
	mock.ExpectQuery(`SELECT id, site, kind, state, message, blob FROM foundry_jobs WHERE id = \$1 FOR UPDATE NOWAIT`).
		WithArgs("job1").WillReturnRows(rows)

	rec, lease, err := s.LeaseJob(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, "queued", rec.State)

	rec.State = "done"
	mock.ExpectExec(`UPDATE foundry_jobs SET site = \$2, kind = \$3, state = \$4, message = \$5, blob = \$6 WHERE id = \$1`).
		WithArgs(rec.ID, rec.Site, rec.Kind, rec.State, rec.Message, rec.Blob).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, lease.Commit(ctx, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LeaseJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, site, kind, state, message, blob FROM foundry_jobs WHERE id = \$1 FOR UPDATE NOWAIT`).
		WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := s.LeaseJob(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutAndGetEntity(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	rec := store.EntityRecord{Kind: store.KindFoundation, Locator: "f1", Site: "dc1", Blob: []byte(`{}`)}

	mock.ExpectExec(`INSERT INTO foundry_entities`).
		WithArgs(string(rec.Kind), rec.Locator, rec.Site, rec.Blob).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutEntity(ctx, rec))

	rows := sqlmock.NewRows([]string{"kind", "locator", "site", "blob"}).
		AddRow(string(rec.Kind), rec.Locator, rec.Site, rec.Blob)
	mock.ExpectQuery(`SELECT kind, locator, site, blob FROM foundry_entities WHERE kind = \$1 AND locator = \$2`).
		WithArgs(string(rec.Kind), rec.Locator).WillReturnRows(rows)

	got, err := s.GetEntity(ctx, rec.Kind, rec.Locator)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
