// SPDX-License-Identifier: AGPL-3.0-or-later

// Graph is a mutex-guarded, in-memory index over a relational backing
// store. Its accessors return the live entities, not copies.
// DestroyCascade and DependencyDestroyCascade compute a plan without
// mutating; the Apply*Destroy methods mutate entities under the write
// lock as they walk the cascade.
package entity

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Graph is an in-memory index of the entity relationships needed to
// evaluate readiness predicates and cascade destroys without a round
// trip per child. Job/scheduler code loads a Graph from a Store once per
// tick rather than querying entity-by-entity.
type Graph struct {
	mu sync.RWMutex

	Foundations  map[string]*Foundation
	Structures   map[string]*Structure
	Dependencies map[string]*Dependency
	Complexes    map[string]*Complex

	// touched accumulates every entity a cascade mutated beyond the
	// caller's own target, so the persistence layer can write the whole
	// batch back instead of silently losing cascade effects on the next
	// graph reload.
	touched []EntityRef
}

// EntityRef names one entity row mutated by a cascade.
type EntityRef struct {
	Kind    string // "foundation", "structure", "dependency"
	Locator string
}

// NewGraph returns an empty Graph ready for population from a Store.
func NewGraph() *Graph {
	return &Graph{
		Foundations:  make(map[string]*Foundation),
		Structures:   make(map[string]*Structure),
		Dependencies: make(map[string]*Dependency),
		Complexes:    make(map[string]*Complex),
	}
}

func (g *Graph) Foundation(locator string) (*Foundation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.Foundations[locator]
	return f, ok
}

func (g *Graph) Structure(locator string) (*Structure, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.Structures[locator]
	return s, ok
}

func (g *Graph) Dependency(locator string) (*Dependency, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.Dependencies[locator]
	return d, ok
}

func (g *Graph) Complex(locator string) (*Complex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.Complexes[locator]
	return c, ok
}

// Put registers or replaces an entity by its locator. v must be one of
// *Foundation, *Structure, *Dependency, *Complex.
func (g *Graph) Put(v interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch e := v.(type) {
	case *Foundation:
		g.Foundations[e.Locator] = e
	case *Structure:
		g.Structures[e.Locator] = e
	case *Dependency:
		g.Dependencies[e.Locator] = e
	case *Complex:
		g.Complexes[e.Locator] = e
	}
}

// TakeTouched returns the entities cascades have mutated since the last
// call and clears the list. The caller persists each one alongside its
// own target.
func (g *Graph) TakeTouched() []EntityRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.touched
	g.touched = nil
	return out
}

// FoundationDependency finds the Dependency, if any, whose
// FoundationLocator names this Foundation — the "dependency (the 1:1
// dependent)" backref spec §3 describes from the Dependency side only.
func (g *Graph) FoundationDependency(foundationLocator string) (*Dependency, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, d := range g.Dependencies {
		if d.FoundationLocator == foundationLocator {
			return d, true
		}
	}
	return nil, false
}

// FoundationCanStart evaluates spec §4.6's Foundation readiness
// predicate for the named script.
func (g *Graph) FoundationCanStart(locator, scriptName string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	f, ok := g.Foundations[locator]
	if !ok {
		return false, ErrNotFound
	}

	switch scriptName {
	case "create":
		if f.State() != FoundationLocated {
			return false, nil
		}
		for _, d := range g.Dependencies {
			if d.FoundationLocator == locator {
				return d.State() == DependencyBuilt, nil
			}
		}
		return true, nil

	case "destroy":
		if f.State() != FoundationBuilt {
			return false, nil
		}
		if f.StructureLocator != "" {
			s, ok := g.Structures[f.StructureLocator]
			if !ok || s.State() != StructurePlanned || s.ActiveJobID != "" {
				return false, nil
			}
		}
		return true, nil

	default:
		return true, nil
	}
}

// StructureCanStart evaluates spec §4.6's Structure readiness predicate
// for the named script.
func (g *Graph) StructureCanStart(locator, scriptName string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.Structures[locator]
	if !ok {
		return false, ErrNotFound
	}

	switch scriptName {
	case "create":
		if s.State() != StructurePlanned {
			return false, nil
		}
		f, ok := g.Foundations[s.FoundationLocator]
		return ok && f.State() == FoundationBuilt, nil

	case "destroy":
		if s.State() != StructureBuilt {
			return false, nil
		}
		for _, dl := range s.DependencyLocators {
			d, ok := g.Dependencies[dl]
			if !ok {
				continue
			}
			if d.State() != DependencyPlanned || d.ActiveJobID != "" {
				return false, nil
			}
		}
		return true, nil

	default:
		return true, nil
	}
}

// DependencyCanStart evaluates spec §4.6's Dependency readiness
// predicate for the named script.
func (g *Graph) DependencyCanStart(locator, scriptName string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	d, ok := g.Dependencies[locator]
	if !ok {
		return false, ErrNotFound
	}

	switch scriptName {
	case "create":
		if d.State() != DependencyPlanned {
			return false, nil
		}
		if d.StructureLocator != "" {
			s, ok := g.Structures[d.StructureLocator]
			return ok && s.State() == StructureBuilt, nil
		}
		pd, ok := g.Dependencies[d.ParentDependencyLocator]
		return ok && pd.State() == DependencyBuilt, nil

	case "destroy":
		if d.State() != DependencyBuilt {
			return false, nil
		}
		if d.FoundationLocator != "" {
			f, ok := g.Foundations[d.FoundationLocator]
			if !ok || f.State() != FoundationPlanned || f.ActiveJobID != "" {
				return false, nil
			}
		}
		for _, cl := range d.ChildDependencyLocators {
			child, ok := g.Dependencies[cl]
			if ok && child.State() == DependencyBuilt {
				return false, nil
			}
		}
		return true, nil

	default:
		return true, nil
	}
}

// DependencyCascadePlan is what destroying a Dependency must also
// destroy: its child Dependencies always, and its Foundation when
// Link == LinkHard (spec §4.5).
type DependencyCascadePlan struct {
	ChildDependencies []string
	Foundation        string // empty if none
}

// DependencyDestroyCascade computes the cascade plan for destroying
// locator without mutating the graph (collect-then-apply, spec §9).
func (g *Graph) DependencyDestroyCascade(locator string) (DependencyCascadePlan, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	d, ok := g.Dependencies[locator]
	if !ok {
		return DependencyCascadePlan{}, ErrNotFound
	}

	plan := DependencyCascadePlan{ChildDependencies: append([]string(nil), d.ChildDependencyLocators...)}
	if d.Link == LinkHard && d.FoundationLocator != "" {
		plan.Foundation = d.FoundationLocator
	}
	return plan, nil
}

// CascadePlan is what destroying a Structure must also destroy: exactly
// the Dependencies whose source is that Structure (spec §8 "Cascade").
// Complex membership needs no cascade — a Complex's state is recomputed
// from its members on every read.
type CascadePlan struct {
	Dependencies []string
}

// DestroyCascade computes the cascade plan for destroying
// structureLocator without mutating the graph (collect-then-apply,
// spec §9).
func (g *Graph) DestroyCascade(structureLocator string) (CascadePlan, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.Structures[structureLocator]
	if !ok {
		return CascadePlan{}, ErrNotFound
	}
	return CascadePlan{Dependencies: append([]string(nil), s.DependencyLocators...)}, nil
}

// ComplexState derives the named Complex's state from its current member
// Structures (spec §3: built iff the built-member percentage meets the
// threshold).
func (g *Graph) ComplexState(locator string) (ComplexState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.Complexes[locator]
	if !ok {
		return "", ErrNotFound
	}
	members := make([]*Structure, 0, len(c.StructureLocators))
	for _, ml := range c.StructureLocators {
		if m, ok := g.Structures[ml]; ok {
			members = append(members, m)
		}
	}
	return c.StateOf(members), nil
}

// destroyDependencyLocked destroys locator and cascades to its children
// and, if hard-linked, its Foundation (spec §4.5). Caller must hold g.mu.
// A locator absent from the graph is treated as already gone rather than
// an error; visited bounds the walk should a child list ever form a
// cycle. Child failures are collected rather than aborting the cascade
// mid-walk, so one locked child does not leave its siblings half-built.
func (g *Graph) destroyDependencyLocked(jobID, locator string, now time.Time, visited map[string]bool) error {
	if visited[locator] {
		return nil
	}
	visited[locator] = true

	d, ok := g.Dependencies[locator]
	if !ok {
		return nil
	}

	var errs *multierror.Error
	for _, cl := range d.ChildDependencyLocators {
		if err := g.destroyDependencyLocked(jobID, cl, now, visited); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := d.SetDestroyed(jobID, now); err != nil {
		errs = multierror.Append(errs, err)
		return errs.ErrorOrNil()
	}
	g.touched = append(g.touched, EntityRef{Kind: "dependency", Locator: locator})
	if d.Link == LinkHard && d.FoundationLocator != "" {
		if f, ok := g.Foundations[d.FoundationLocator]; ok {
			if err := f.SetDestroyed(jobID); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				g.touched = append(g.touched, EntityRef{Kind: "foundation", Locator: d.FoundationLocator})
			}
		}
	}
	return errs.ErrorOrNil()
}

// destroyStructureLocked destroys locator, cascading to exactly the
// Dependencies whose source is this Structure (spec §4.5). Caller must
// hold g.mu.
func (g *Graph) destroyStructureLocked(jobID, locator string, now time.Time) error {
	s, ok := g.Structures[locator]
	if !ok {
		return ErrNotFound
	}

	var errs *multierror.Error
	visited := make(map[string]bool)
	for _, dl := range s.DependencyLocators {
		if err := g.destroyDependencyLocked(jobID, dl, now, visited); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := s.SetDestroyed(jobID, now); err != nil {
		errs = multierror.Append(errs, err)
	} else {
		g.touched = append(g.touched, EntityRef{Kind: "structure", Locator: locator})
	}
	return errs.ErrorOrNil()
}

// ApplyStructureDestroy destroys locator and cascades to its
// Dependencies, the StructureJob "destroy" done() hook (spec §4.7).
func (g *Graph) ApplyStructureDestroy(jobID, locator string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyStructureLocked(jobID, locator, now)
}

// ApplyFoundationDestroy destroys locator and cascades to its attached
// Structure if any, the FoundationJob "destroy" done() hook (spec §3,
// §4.5, §4.7).
func (g *Graph) ApplyFoundationDestroy(jobID, locator string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.Foundations[locator]
	if !ok {
		return ErrNotFound
	}
	if f.StructureLocator != "" {
		if err := g.destroyStructureLocked(jobID, f.StructureLocator, now); err != nil {
			return err
		}
	}
	return f.SetDestroyed(jobID)
}

// ApplyDependencyDestroy destroys locator and cascades to its children
// and (if hard-linked) its Foundation, the DependencyJob "destroy"
// done() hook (spec §4.5, §4.7).
func (g *Graph) ApplyDependencyDestroy(jobID, locator string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyDependencyLocked(jobID, locator, now, make(map[string]bool))
}
