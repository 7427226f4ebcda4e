// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import "time"

// DependencyState is the derived lifecycle state of a Dependency (spec
// §3: "State: planned/built"). Destroying reverts to planned, the same
// shape as Structure.
type DependencyState string

const (
	DependencyPlanned DependencyState = "planned"
	DependencyBuilt   DependencyState = "built"
)

// LinkKind is whether a Dependency's destroy cascades to its Foundation.
type LinkKind string

const (
	LinkSoft LinkKind = "soft"
	LinkHard LinkKind = "hard"
)

// Dependency is an ordering/script edge (spec §3). Exactly one of
// StructureLocator / ParentDependencyLocator is set (its source);
// FoundationLocator is the optional 1:1 dependent it brings up.
type Dependency struct {
	Locator string
	Site    string

	StructureLocator        string // source, mutually exclusive with ParentDependencyLocator
	ParentDependencyLocator string // source, mutually exclusive with StructureLocator

	FoundationLocator      string // optional 1:1 dependent
	ScriptStructureLocator string // optional: where the script runs, if not StructureLocator

	Link LinkKind

	CreateScriptName  string
	DestroyScriptName string

	BuiltAt *time.Time

	ActiveJobID string

	// ChildDependencyLocators lists Dependencies whose source is this one
	// (spec §4.5 cascade: "destroying cascades to child dependencies").
	ChildDependencyLocators []string
}

func (d *Dependency) State() DependencyState {
	if d.BuiltAt != nil {
		return DependencyBuilt
	}
	return DependencyPlanned
}

// ScriptStructure resolves where a script against this Dependency should
// run: ScriptStructureLocator if set, else StructureLocator (spec §3:
// "scripts require either structure or script_structure").
func (d *Dependency) ScriptStructure() (string, bool) {
	if d.ScriptStructureLocator != "" {
		return d.ScriptStructureLocator, true
	}
	if d.StructureLocator != "" {
		return d.StructureLocator, true
	}
	return "", false
}

// Validate checks the invariants spec §3 requires at construction time:
// exactly one source, distinct script names, and a resolvable script
// structure.
func (d *Dependency) Validate() error {
	hasStructure := d.StructureLocator != ""
	hasParent := d.ParentDependencyLocator != ""
	if hasStructure == hasParent {
		return ErrDependencySource
	}
	if d.CreateScriptName != "" && d.CreateScriptName == d.DestroyScriptName {
		return ErrDependencyScriptNames
	}
	if _, ok := d.ScriptStructure(); !ok {
		return ErrDependencyScriptStructure
	}
	return nil
}

// SetBuilt moves a Dependency from planned to built.
func (d *Dependency) SetBuilt(callerJobID string, now time.Time) error {
	if d.ActiveJobID != "" && d.ActiveJobID != callerJobID {
		return ErrStateGuard
	}
	if d.State() != DependencyPlanned {
		return ErrStateGuard
	}
	t := now
	d.BuiltAt = &t
	return nil
}

// SetDestroyed reverts a Dependency to planned. The caller is
// responsible for cascading to ChildDependencyLocators first, and for
// destroying FoundationLocator when Link == LinkHard (spec §4.5) — see
// Graph.DependencyDestroyCascade for the two-phase collect-then-apply
// plan.
func (d *Dependency) SetDestroyed(callerJobID string, now time.Time) error {
	if d.ActiveJobID != "" && d.ActiveJobID != callerJobID {
		return ErrStateGuard
	}
	d.BuiltAt = nil
	return nil
}
