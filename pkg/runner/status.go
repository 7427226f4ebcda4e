// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import "foundry/pkg/registry"

// StatusEntry is one rung of the status ladder described in spec §7: "the
// status is a ladder of (percent_complete, scope_kind, scope_metadata)
// derived deterministically from the current frame stack." Entries are
// ordered outermost-first, mirroring r.frames.
type StatusEntry struct {
	PercentComplete float64           `json:"percent_complete"`
	ScopeKind       string            `json:"scope_kind"`
	ScopeMetadata   map[string]string `json:"scope_metadata,omitempty"`
}

// Status derives the ladder from the live frame stack. It never mutates
// the runner and is safe to call between ticks, including while suspended.
func (r *Runner) Status() []StatusEntry {
	entries := make([]StatusEntry, 0, len(r.frames))
	for _, f := range r.frames {
		e := StatusEntry{ScopeKind: string(f.Kind)}

		switch f.Kind {
		case frameScope:
			if total := len(f.Node.Children); total > 0 {
				e.PercentComplete = 100 * float64(f.Index) / float64(total)
			}
			if f.Node.Options.Description != "" {
				e.ScopeMetadata = map[string]string{"description": f.Node.Options.Description}
			}
		case frameFunction:
			e.ScopeMetadata = map[string]string{"module": f.Module, "name": f.Name}
			if f.Dispatched {
				e.ScopeMetadata["dispatched"] = "true"
			}
			if f.Instance != nil {
				if mp, ok := f.Instance.(registry.MessageProvider); ok {
					e.ScopeMetadata["message"] = mp.Message(f.State)
				}
			}
			if f.Instance != nil && f.Instance.Done(f.State) {
				e.PercentComplete = 100
			}
		case frameWhile:
			e.ScopeMetadata = map[string]string{"phase": f.Phase}
		case frameIfElse:
			e.ScopeMetadata = map[string]string{"phase": f.Phase}
		}

		entries = append(entries, e)
	}
	return entries
}
