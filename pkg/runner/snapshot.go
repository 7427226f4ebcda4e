// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"foundry/pkg/registry"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// snapshotVersion is the leading tag spec §6 requires so the coordinator
// can refuse an unknown blob version rather than misinterpret it.
const snapshotVersion = 1

type frameSnapshot struct {
	Kind  frameKind `json:"kind"`
	Line  int       `json:"line"` // re-locates Node within the script by its LINE ancestor's line, see note below
	Index int       `json:"index,omitempty"`
	Phase string    `json:"phase,omitempty"`

	StartedAtUnix int64 `json:"started_at_unix,omitempty"`
	DeadlineUnix  int64 `json:"deadline_unix,omitempty"`
	HasDeadline   bool  `json:"has_deadline,omitempty"`

	Module      string      `json:"module,omitempty"`
	Name        string      `json:"name,omitempty"`
	FuncState   []byte      `json:"func_state,omitempty"`
	Dispatched  bool        `json:"dispatched,omitempty"`
	HasAssign   bool        `json:"has_assign,omitempty"`
	AssignIndex value.Value `json:"assign_index,omitempty"`
	HasIndex    bool        `json:"has_index,omitempty"`
}

type snapshotDoc struct {
	Version int                    `json:"version"`
	Vars    map[string]value.Value `json:"vars"`
	CurLine int                    `json:"cur_line"`
	Cookie  string                 `json:"cookie"`
	TTL     int                    `json:"ttl"`
	Modules []string               `json:"modules"`
	State   string                 `json:"state"`
	Frames  []frameSnapshot        `json:"frames"`
}

// GetState serializes the runner into a versioned opaque blob (spec §4.2
// __getstate__, §6 "persisted job blob").
//
// Frame identity is captured by the line number of the AST node each
// frame is evaluating rather than by pointer, since Go has no stable
// cross-process node identity; restoreNode below re-locates the node by
// walking the script from root, which is safe because scripts are
// immutable for the lifetime of a job.
func (r *Runner) GetState() ([]byte, error) {
	doc := snapshotDoc{
		Version: snapshotVersion,
		Vars:    r.Vars,
		CurLine: r.CurLine,
		Cookie:  r.Cookie,
		TTL:     r.TTL,
		Modules: r.Modules,
		State:   r.State,
	}

	for _, f := range r.frames {
		fs := frameSnapshot{
			Kind:        f.Kind,
			Line:        f.Node.Line,
			Index:       f.Index,
			Phase:       f.Phase,
			Module:      f.Module,
			Name:        f.Name,
			Dispatched:  f.Dispatched,
			HasAssign:   f.AssignTarget != nil,
			AssignIndex: f.AssignIndex,
			HasIndex:    f.HasIndex,
		}
		if !f.StartedAt.IsZero() {
			fs.StartedAtUnix = f.StartedAt.Unix()
		}
		if !f.Deadline.IsZero() {
			fs.DeadlineUnix = f.Deadline.Unix()
			fs.HasDeadline = true
		}
		if f.Instance != nil {
			state, err := f.Instance.GetState(f.State)
			if err != nil {
				return nil, fmt.Errorf("snapshot function frame %s.%s: %w", f.Module, f.Name, err)
			}
			fs.FuncState = state
		}
		doc.Frames = append(doc.Frames, fs)
	}

	return json.Marshal(doc)
}

// SetState restores a Runner from a blob produced by GetState, against the
// same AST root used to build r.
func (r *Runner) SetState(blob []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("runner: corrupt snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("runner: unsupported snapshot version %d", doc.Version)
	}

	// Modules are re-attached by name on restore: every module the
	// snapshot was taken against must still be registered in this
	// process, or any FUNCTION frame referencing one would fail later in
	// a far less explicable way.
	for _, name := range doc.Modules {
		if !registry.ModuleRegistry.Has(name) {
			return fmt.Errorf("runner: snapshot requires unregistered module %q", name)
		}
	}

	r.Vars = doc.Vars
	if r.Vars == nil {
		r.Vars = make(map[string]value.Value)
	}
	r.CurLine = doc.CurLine
	r.Cookie = doc.Cookie
	r.TTL = doc.TTL
	r.Modules = doc.Modules
	r.State = doc.State
	r.buildJumpIndex()

	frames := make([]*Frame, 0, len(doc.Frames))
	for _, fs := range doc.Frames {
		var kinds []script.Kind
		switch fs.Kind {
		case frameScope:
			kinds = []script.Kind{script.KindScope}
		case frameWhile:
			kinds = []script.Kind{script.KindWhile}
		case frameIfElse:
			kinds = []script.Kind{script.KindIfElse}
		case frameFunction:
			kinds = []script.Kind{script.KindFunction}
		}
		node := script.FindByLine(r.Root, fs.Line, kinds...)
		if node == nil {
			return fmt.Errorf("runner: snapshot references missing line %d", fs.Line)
		}
		f := &Frame{
			Kind:        fs.Kind,
			Node:        node,
			Index:       fs.Index,
			Phase:       fs.Phase,
			Module:      fs.Module,
			Name:        fs.Name,
			Dispatched:  fs.Dispatched,
			AssignIndex: fs.AssignIndex,
			HasIndex:    fs.HasIndex,
		}
		if fs.StartedAtUnix != 0 {
			f.StartedAt = unixTime(fs.StartedAtUnix)
		}
		if fs.HasDeadline {
			f.Deadline = unixTime(fs.DeadlineUnix)
		}
		if fs.HasAssign {
			assign := script.FindByLine(r.Root, fs.Line, script.KindAssignment)
			if assign == nil || assign.Value != node {
				return fmt.Errorf("runner: snapshot assignment target missing at line %d", fs.Line)
			}
			f.AssignTarget = assign.Target
		}
		if f.Kind == frameFunction && len(fs.FuncState) > 0 {
			instance, err := resolveFunction(f.Module, f.Name)
			if err != nil {
				return fmt.Errorf("runner: restoring %s.%s: %w", f.Module, f.Name, err)
			}
			state, err := instance.SetState(fs.FuncState)
			if err != nil {
				return fmt.Errorf("runner: restoring %s.%s state: %w", f.Module, f.Name, err)
			}
			f.Instance = instance
			f.State = state
		}
		frames = append(frames, f)
	}
	r.frames = frames
	return nil
}
