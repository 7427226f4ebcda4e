// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import "errors"

var (
	// ErrStateGuard is returned when a transition is attempted while
	// another job holds the entity (ActiveJobID set to someone else's id).
	ErrStateGuard = errors.New("entity: locked by another job")

	// ErrCartographerBound is returned when a Foundation lifecycle
	// transition is attempted while a discovery agent is still bound to
	// it; the binding must be released first.
	ErrCartographerBound = errors.New("entity: foundation has a cartographer bound")

	// ErrMissingIDMap is returned when a blueprint with a validation
	// template requires an id map that hasn't been supplied yet.
	ErrMissingIDMap = errors.New("entity: foundation requires an id map before it can be located")

	// ErrNotLocated is returned when a built transition is attempted on a
	// foundation whose blueprint requires validation but was never located.
	ErrNotLocated = errors.New("entity: foundation must be located before it can be built")

	// ErrDependencySource is returned when a Dependency names zero or
	// both of {structure, parent dependency} as its source (spec §3:
	// "exactly one of").
	ErrDependencySource = errors.New("entity: dependency must have exactly one source")

	// ErrDependencyScriptNames is returned when a Dependency's create
	// and destroy script names are equal (spec §3: "must differ").
	ErrDependencyScriptNames = errors.New("entity: dependency create and destroy script names must differ")

	// ErrDependencyScriptStructure is returned when a Dependency has
	// neither a structure nor a script_structure to run scripts against.
	ErrDependencyScriptStructure = errors.New("entity: dependency requires a structure or script_structure")

	// ErrNotFound is returned when a referenced entity locator is not
	// present in the Graph.
	ErrNotFound = errors.New("entity: not found")
)
