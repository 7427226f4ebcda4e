// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch brokers the single-flight worker-protocol mailbox
// between the scheduler and external subcontractors (spec §4.4, §6). The
// interpreter (pkg/runner) owns the external-function instance and its
// serializable state; Dispatcher owns the network-facing mailbox built
// from the bytes the interpreter renders via Runner.ToSubcontractor — it
// never touches a registry.ExternalFunction directly, so a job's worker
// traffic can be tracked without a second, competing copy of handler
// state.
package dispatch

import (
	"fmt"
	"sync"
)

// ErrStaleCookie is returned by Ack when the reply's cookie does not
// match the most recently tracked dispatch for that job.
var ErrStaleCookie = fmt.Errorf("dispatch: stale cookie")

// ErrNotDispatched is returned by Ack for a job with no
// in-flight mailbox entry.
var ErrNotDispatched = fmt.Errorf("dispatch: job has no in-flight dispatch")

// Request is the outbound {module, function, cookie, parameters} message
// a job's interpreter rendered for the worker (spec §6).
type Request struct {
	Module string
	Name   string
	Cookie string
	Params []byte // encoded parameters, opaque to this package
}

// Dispatcher is the scheduler's single-flight mailbox, one entry per job
// currently awaiting a subcontractor reply. Safe for concurrent use; the
// scheduler advances many jobs in parallel (spec §5).
type Dispatcher struct {
	mu       sync.Mutex
	inflight map[string]Request
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{inflight: make(map[string]Request)}
}

// Track records jobID's outbound request, superseding any prior entry
// for that job (a rollback's rotated cookie always wins).
func (d *Dispatcher) Track(jobID string, req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[jobID] = req
}

// Pending returns the outstanding request for jobID, if any. A second
// caller asking for the same job sees the identical request until Ack or
// Clear — it is never re-minted, satisfying "at most one to_worker per
// job outstanding" (spec §8).
func (d *Dispatcher) Pending(jobID string) (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.inflight[jobID]
	return req, ok
}

// Ack validates an incoming {cookie, data} reply against the tracked
// request and clears the mailbox entry on success. A mismatched cookie
// is rejected as stale and the mailbox entry is left untouched, so a
// late duplicate reply can never be mistaken for the current attempt
// (spec §8 "Cookie freshness").
func (d *Dispatcher) Ack(jobID, cookie string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.inflight[jobID]
	if !ok {
		return ErrNotDispatched
	}
	if cookie != req.Cookie {
		return ErrStaleCookie
	}
	delete(d.inflight, jobID)
	return nil
}

// Clear drops jobID's mailbox entry unconditionally — used after a
// rollback rotates the cookie, or by the "clearDispatched" operator
// action (spec §6) to recover from a worker that lost the task.
func (d *Dispatcher) Clear(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, jobID)
}
