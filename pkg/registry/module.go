// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"

	"foundry/pkg/value"
)

// ErrNoRollback is returned by an ExternalFunction's Rollback when the
// handler has no earlier point to re-drive from (spec §4.4).
var ErrNoRollback = errors.New("registry: handler does not support rollback")

// ExternalFunction is the single-flight subcontractor contract a script
// FUNCTION call dispatches to. Implementations live outside this module;
// the coordinator only ever sees this interface.
//
// Lifecycle, grounded on the original runner's documented execution flow:
// Setup is called once per invocation to mint fresh state and a rotating
// cookie; Run either completes synchronously (Value/Done true) or hands a
// message to a worker (ToWorker) and waits for FromWorker to be called back
// with a matching cookie; Rollback discards in-flight state and rotates the
// cookie again so a stale reply from a superseded attempt is rejected.
type ExternalFunction interface {
	// Setup prepares a fresh invocation and returns its initial state.
	Setup(ctx context.Context, params map[string]value.Value) (state []byte, err error)

	// Run advances the invocation given its current state. done is true
	// when Value is ready to be read; otherwise the caller asks ToWorker
	// for the payload to hand to the worker.
	Run(ctx context.Context, state []byte) (next []byte, done bool, err error)

	// Done reports whether the invocation has produced a final value.
	Done(state []byte) bool

	// Value returns the final result once Done reports true.
	Value(state []byte) (value.Value, error)

	// ToWorker renders the outbound message for the current state.
	ToWorker(state []byte) (msg []byte, err error)

	// FromWorker applies a worker's reply, validating it against cookie.
	// A stale cookie (one from before the most recent Setup/Rollback) is
	// rejected without mutating state.
	FromWorker(state []byte, cookie string, reply []byte) (next []byte, err error)

	// Rollback discards in-flight work and returns state with a freshly
	// rotated cookie.
	Rollback(state []byte) (next []byte, err error)

	// GetState/SetState support snapshotting a paused invocation.
	GetState(state []byte) (snapshot []byte, err error)
	SetState(snapshot []byte) (state []byte, err error)
}

// MessageProvider is an optional capability an ExternalFunction may
// implement to surface human-readable status text while awaiting a
// worker (spec §4.4: "message() → string readable status text").
type MessageProvider interface {
	Message(state []byte) string
}

// Module is a named collection of script-callable functions and
// module-scoped variables (the `module.name` / `module.name(...)` forms).
type Module struct {
	Name      string
	Functions map[string]func() ExternalFunction
	Get       func(name string) (value.Value, error)
	Set       func(name string, v value.Value) error

	// Overrides redirects a function name to a factory registered under a
	// different module, modeling the original resolver's "FUNCTION
	// handler MAY return a tuple (override_module, handler)" case — a
	// module can delegate one of its names to a sibling module's
	// implementation instead of providing its own factory.
	Overrides map[string]string
}

// ID satisfies Identifiable.
func (m Module) ID() string { return m.Name }

// NewFunction looks up a factory for name within the module and
// instantiates a fresh ExternalFunction for one invocation. If name is
// overridden to another module, that module's name is returned so the
// caller can re-resolve against it.
func (m Module) NewFunction(name string) (fn ExternalFunction, overrideModule string, ok bool) {
	if target, redirected := m.Overrides[name]; redirected {
		return nil, target, false
	}
	factory, exists := m.Functions[name]
	if !exists {
		return nil, "", false
	}
	return factory(), "", true
}

// ModuleRegistry is the default catalogue of script modules, keyed by
// module name.
var ModuleRegistry = New[Module]()

// RegisterModule registers m in ModuleRegistry.
func RegisterModule(m Module) { ModuleRegistry.Register(m) }
