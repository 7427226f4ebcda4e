// SPDX-License-Identifier: AGPL-3.0-or-later

// Package entity implements the resource graph a job's target belongs to:
// Foundation, Structure, Dependency, and Complex, with the lifecycle
// transitions and cross-entity readiness predicates of spec §4.5–§4.6.
// Each entity is a plain struct with no locking of its own; Graph guards
// its entity maps with a single RWMutex.
package entity

import (
	"time"

	"github.com/tidwall/gjson"
)

// FoundationState is the derived lifecycle state of a Foundation.
type FoundationState string

const (
	FoundationPlanned FoundationState = "planned"
	FoundationLocated FoundationState = "located"
	FoundationBuilt   FoundationState = "built"
)

// Interface is one physical network interface on a Foundation, ordered
// by physical location.
type Interface struct {
	Name string
	MAC  string
	PXE  bool
}

// Foundation is a physical or virtual substrate (spec §3).
type Foundation struct {
	Locator          string
	Site             string
	Blueprint        string
	HasValidationTpl bool // blueprint declares a validation template

	IDMap      string // opaque JSON mapping of hardware identifiers
	LocatedAt  *time.Time
	BuiltAt    *time.Time
	Interfaces []Interface

	StructureLocator string // 1:1, empty if none attached
	ActiveJobID      string // empty if none

	// CartographerID is the discovery agent currently bound to this
	// Foundation, if any. While bound, no lifecycle transition may run:
	// the agent still owns the hardware identification handshake.
	CartographerID string
}

// canSetState gates every lifecycle transition: the cartographer must be
// released and any attached job must be the caller's own.
func (f *Foundation) canSetState(callerJobID string) error {
	if f.CartographerID != "" {
		return ErrCartographerBound
	}
	if f.ActiveJobID != "" && f.ActiveJobID != callerJobID {
		return ErrStateGuard
	}
	return nil
}

// State derives the Foundation's lifecycle state from its timestamps
// (spec §3: "planned (neither set) → located (only located_at) → built
// (both set)").
func (f *Foundation) State() FoundationState {
	switch {
	case f.BuiltAt != nil:
		return FoundationBuilt
	case f.LocatedAt != nil:
		return FoundationLocated
	default:
		return FoundationPlanned
	}
}

// IDMapValue projects a field out of the opaque IDMap JSON blob.
func (f *Foundation) IDMapValue(path string) gjson.Result {
	return gjson.Get(f.IDMap, path)
}

// SetLocated moves a Foundation from planned to located. Allowed only
// when no cartographer is bound, any attached job is the caller's own
// (only the job id is compared; which script that job runs is not
// checked), an attached structure is still planned, and the id map is
// present whenever the blueprint declares a validation template (spec
// §4.5).
func (f *Foundation) SetLocated(callerJobID string, structureState StructureState, hasStructure bool, now time.Time) error {
	if err := f.canSetState(callerJobID); err != nil {
		return err
	}
	if hasStructure && structureState != StructurePlanned {
		return ErrStateGuard
	}
	if f.HasValidationTpl && f.IDMap == "" {
		return ErrMissingIDMap
	}
	t := now
	f.LocatedAt = &t
	f.BuiltAt = nil
	return nil
}

// SetBuilt moves a Foundation to built, backfilling located_at when the
// blueprint has no validation template (spec §3, §4.5).
func (f *Foundation) SetBuilt(callerJobID string, now time.Time) error {
	if err := f.canSetState(callerJobID); err != nil {
		return err
	}
	if f.LocatedAt == nil {
		if f.HasValidationTpl {
			return ErrNotLocated
		}
		t := now
		f.LocatedAt = &t
	}
	t := now
	f.BuiltAt = &t
	return nil
}

// SetDestroyed clears a Foundation back to planned, nulling its
// identifiers and interface MACs/PXE flags. It does not touch an
// attached structure; Graph.ApplyFoundationDestroy performs that cascade
// before calling it.
func (f *Foundation) SetDestroyed(callerJobID string) error {
	if err := f.canSetState(callerJobID); err != nil {
		return err
	}
	f.IDMap = ""
	f.LocatedAt = nil
	f.BuiltAt = nil
	for i := range f.Interfaces {
		f.Interfaces[i].MAC = ""
		f.Interfaces[i].PXE = false
	}
	return nil
}

// CanDelete reports whether this Foundation may be hard-deleted from the
// store (spec §3: "state ∈ {planned, located}, no attached structure, no
// active job").
func (f *Foundation) CanDelete() bool {
	return f.State() != FoundationBuilt && f.StructureLocator == "" && f.ActiveJobID == ""
}
