// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import (
	"time"

	"github.com/google/uuid"
)

// StructureState is the derived lifecycle state of a Structure (spec §3:
// "State: planned ↔ built (single timestamp)"). Destroying reverts to
// planned; there is no separate destroyed state.
type StructureState string

const (
	StructurePlanned StructureState = "planned"
	StructureBuilt   StructureState = "built"
)

// Structure sits atop a Foundation and hosts zero or more Dependencies
// and Complexes (spec §3).
type Structure struct {
	Locator           string
	Site              string
	Hostname          string
	FoundationLocator string
	Blueprint         string

	ConfigUUID   string
	ConfigValues map[string]any

	BuiltAt *time.Time

	ActiveJobID string

	DependencyLocators []string
	ComplexLocators    []string
}

// State derives the Structure's lifecycle state.
func (s *Structure) State() StructureState {
	if s.BuiltAt != nil {
		return StructureBuilt
	}
	return StructurePlanned
}

// SetBuilt completes the build on an already-located Foundation.
func (s *Structure) SetBuilt(callerJobID string, now time.Time) error {
	if s.ActiveJobID != "" && s.ActiveJobID != callerJobID {
		return ErrStateGuard
	}
	if s.State() != StructurePlanned {
		return ErrStateGuard
	}
	t := now
	s.BuiltAt = &t
	return nil
}

// SetDestroyed reverts a Structure to planned and rotates ConfigUUID
// (spec §3: "config_uuid (fresh UUID on destroy)"). The caller is
// responsible for cascading the destroy to every Dependency whose
// source is this Structure first — see Graph.ApplyStructureDestroy for
// the cascading version used by job completion handlers.
func (s *Structure) SetDestroyed(callerJobID string, now time.Time) error {
	if s.ActiveJobID != "" && s.ActiveJobID != callerJobID {
		return ErrStateGuard
	}
	s.BuiltAt = nil
	s.ConfigUUID = uuid.NewString()
	return nil
}

// CanDelete reports whether the Structure record itself may be purged.
func (s *Structure) CanDelete() bool {
	return s.State() == StructurePlanned && len(s.DependencyLocators) == 0 && s.ActiveJobID == ""
}
