// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner implements the resumable, serializable script
// interpreter: a tree-walking evaluator whose in-progress execution state
// lives entirely in an explicit frame stack rather than the host call
// stack, so it can be paused, checkpointed, and resumed across process
// restarts. Grounded on the original coordinator's runner module, with
// frame shapes re-expressed as tagged Go structs instead of Python dicts.
package runner

import (
	"time"

	"foundry/pkg/registry"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

// DefaultTTL is the per-invocation step budget (spec §4.2: "ttl, default
// 1000 steps").
const DefaultTTL = 1000

type frameKind string

const (
	frameScope    frameKind = "scope"
	frameWhile    frameKind = "while"
	frameIfElse   frameKind = "ifelse"
	frameFunction frameKind = "function"
)

// Frame is one entry of the interpreter's explicit execution stack. Only
// the constructs that can legitimately suspend mid-evaluation — scopes,
// loops, branches, and external-function dispatch — get a frame; simple
// expression evaluation (arithmetic, variable lookup, literals) completes
// within a single step and needs no persisted sub-state.
type Frame struct {
	Kind frameKind
	Node *script.Node

	// SCOPE
	Index     int
	StartedAt time.Time
	Deadline  time.Time

	// WHILE, IFELSE
	Phase string

	// FUNCTION
	Module       string
	Name         string
	Instance     registry.ExternalFunction
	State        []byte
	Dispatched   bool
	AssignTarget *script.Node // nil for a bare-statement call
	AssignIndex  value.Value
	HasIndex     bool
}

// Runner is one script interpreter instance, bound to a single job. Its
// serializable members mirror spec §4.2's __getstate__ list.
type Runner struct {
	Root    *script.Node
	Vars    map[string]value.Value
	CurLine int
	Cookie  string
	TTL     int

	Modules []string

	frames    []*Frame
	jumpIndex map[string]int

	// State collapses to "DONE"/"ABORTED" once the outermost scope
	// completes or a non-recoverable error fires; empty while running.
	State string

	lastResult value.Value
}

// New creates a Runner ready to execute root from the beginning, with vars
// preloaded into the variable map.
func New(root *script.Node, vars map[string]value.Value) *Runner {
	if vars == nil {
		vars = make(map[string]value.Value)
	}
	r := &Runner{
		Root:    root,
		Vars:    vars,
		TTL:     DefaultTTL,
		Modules: registry.ModuleRegistry.IDs(),
	}
	r.buildJumpIndex()
	return r
}

// buildJumpIndex is non-serialized, reconstructed on load (spec §4.2).
func (r *Runner) buildJumpIndex() {
	r.jumpIndex = make(map[string]int)
	for i, line := range r.Root.Children {
		if line.Child != nil && line.Child.Kind == script.KindJumpPoint {
			r.jumpIndex[line.Child.Label] = i
		}
	}
}

// Done reports whether the script has reached a terminal state.
func (r *Runner) Done() bool {
	return r.State == "DONE" || r.State == "ABORTED"
}
