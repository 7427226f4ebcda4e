// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store defines the Store interface the scheduler and entity
// lifecycle methods use to read/write job and entity rows under a
// per-job row-level lease (spec §5: "the scheduler may advance different
// jobs in parallel provided each job holds an exclusive lease on its
// target entity row"). It is a storage-agnostic interface with three
// adapters: memstore (tests), pgstore (Postgres/pgx, SELECT ... FOR
// UPDATE), and litestore (modernc.org/sqlite, single-connection lease).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a job or entity row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLeaseConflict is returned by LeaseJob when the row is already
// leased by another holder.
var ErrLeaseConflict = errors.New("store: row is already leased")

// EntityKind names which entity table a row belongs to.
type EntityKind string

const (
	KindFoundation EntityKind = "foundation"
	KindStructure  EntityKind = "structure"
	KindDependency EntityKind = "dependency"
	KindComplex    EntityKind = "complex"
)

// JobRecord is a job's persisted row: identity, lifecycle state, and the
// opaque snapshot blob produced by a job's Runner.GetState (spec §6).
type JobRecord struct {
	ID      string
	Site    string
	Kind    string // mirrors job.TargetKind's string form
	State   string // mirrors job.State
	Message string
	Blob    []byte
}

// EntityRecord is an entity's persisted row: its kind/locator plus a
// JSON-encoded snapshot of the concrete entity struct (Foundation,
// Structure, Dependency, or Complex all marshal directly — see
// pkg/entity).
type EntityRecord struct {
	Kind    EntityKind
	Locator string
	Site    string
	Blob    []byte
}

// Lease is an exclusive, single-holder hold on one job row acquired by
// LeaseJob. The holder must call exactly one of Commit or Rollback
// before releasing the job to another lease attempt.
type Lease interface {
	// Commit persists rec as the job's new row state and releases the lease.
	Commit(ctx context.Context, rec JobRecord) error
	// Rollback releases the lease without persisting any change.
	Rollback(ctx context.Context) error
}

// Store is the persistence contract the scheduler (internal/scheduler)
// and job state machine (pkg/job) read/write through.
type Store interface {
	// QueuedJobIDs lists the IDs of jobs currently in job.StateQueued,
	// across every site, in a deterministic order.
	QueuedJobIDs(ctx context.Context) ([]string, error)

	// LeaseJob acquires an exclusive lease on id's row and returns its
	// current record. Returns ErrLeaseConflict if another holder has it
	// leased, or ErrNotFound if id does not exist.
	LeaseJob(ctx context.Context, id string) (JobRecord, Lease, error)

	// PutJob inserts or replaces a job row outside of any lease, used to
	// enqueue a newly created job.
	PutJob(ctx context.Context, rec JobRecord) error

	// GetEntity returns one entity's current row.
	GetEntity(ctx context.Context, kind EntityKind, locator string) (EntityRecord, error)

	// PutEntity inserts or replaces an entity row.
	PutEntity(ctx context.Context, rec EntityRecord) error

	// ListEntities returns every entity row for site, in a deterministic
	// order, the bulk read the scheduler uses to rebuild a pkg/entity.Graph
	// once per tick.
	ListEntities(ctx context.Context, site string) ([]EntityRecord, error)

	// Close releases any resources (connections) held by the Store.
	Close() error
}
