// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrBadCookie is returned by FromSubcontractor when a reply's cookie
// does not match the runner's current contractor_cookie (spec §4.4, §8
// "Cookie freshness": a mismatched reply yields "Bad Cookie" and does not
// advance interpreter state).
var ErrBadCookie = fmt.Errorf("Bad Cookie")

// ErrNoDispatch is returned when there is no outstanding FUNCTION frame
// to act on.
var ErrNoDispatch = fmt.Errorf("runner: no outstanding dispatch")

func (r *Runner) pendingFunctionFrame() *Frame {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Kind == frameFunction && r.frames[i].Instance != nil {
			return r.frames[i]
		}
	}
	return nil
}

// ToSubcontractor renders the outbound {module, function, cookie,
// parameters} request for the job's current outstanding dispatch, or
// ok=false when nothing is pending (spec §4.4: "to_worker() produces at
// most one outstanding dispatch at a time").
func (r *Runner) ToSubcontractor() (module, name, cookie string, msg []byte, ok bool, err error) {
	f := r.pendingFunctionFrame()
	if f == nil || !f.Dispatched {
		return "", "", "", nil, false, nil
	}
	msg, err = f.Instance.ToWorker(f.State)
	if err != nil {
		return "", "", "", nil, false, err
	}
	if msg == nil {
		return "", "", "", nil, false, nil
	}
	return f.Module, f.Name, r.Cookie, msg, true, nil
}

// FromSubcontractor delivers a worker's {cookie, data} reply. A cookie
// that does not match the runner's current one is rejected outright
// without mutating state (spec §8).
func (r *Runner) FromSubcontractor(cookie string, reply []byte) error {
	f := r.pendingFunctionFrame()
	if f == nil {
		return ErrNoDispatch
	}
	if cookie != r.Cookie {
		return ErrBadCookie
	}
	next, err := f.Instance.FromWorker(f.State, cookie, reply)
	if err != nil {
		return err
	}
	f.State = next
	f.Dispatched = false
	return nil
}

// Rollback arms the current outstanding handler to re-drive from an
// earlier point and rotates the cookie, invalidating any reply still in
// flight from the superseded attempt (spec §4.4: "a rollback() MUST
// rotate the cookie"). The returned string is "Done" on success to match
// the handler contract the job layer checks against.
func (r *Runner) Rollback() (string, error) {
	f := r.pendingFunctionFrame()
	if f == nil {
		return "", ErrNoDispatch
	}
	next, err := f.Instance.Rollback(f.State)
	if err != nil {
		return "", err
	}
	f.State = next
	f.Dispatched = false
	r.Cookie = uuid.NewString()
	return "Done", nil
}

// Dispatched reports whether the current FUNCTION frame has handed work
// to a subcontractor and is awaiting the reply. A frame that merely
// polls locally (delay, a handler whose ToWorker returned nothing) is
// not dispatched.
func (r *Runner) Dispatched() bool {
	f := r.pendingFunctionFrame()
	return f != nil && f.Dispatched
}

// ClearDispatched resets the dispatched flag without advancing state —
// the operator-facing recovery path for "worker lost the task" (spec
// §4.4 "clear_dispatched").
func (r *Runner) ClearDispatched() {
	if f := r.pendingFunctionFrame(); f != nil {
		f.Dispatched = false
	}
}
