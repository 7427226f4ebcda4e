// SPDX-License-Identifier: AGPL-3.0-or-later

// Package job implements the job state machine that drives a Runner
// against its target entity: readiness gating (can_start), advancing the
// interpreter one tick at a time, and the management actions an operator
// or scheduler may invoke on a stuck or paused job (spec §4.7, §6).
// Grounded on original_source/contractor/Foreman/models.py's BaseJob and
// its Foundation/Structure/Dependency subclasses.
package job

import (
	"context"
	"time"

	"foundry/pkg/dispatch"
	"foundry/pkg/entity"
	"foundry/pkg/runner"
)

// State is a job's place in its state machine (spec §4.7: "queued,
// waiting, done, paused, error, aborted").
type State string

const (
	StateQueued  State = "queued"
	StateWaiting State = "waiting"
	StateDone    State = "done"
	StatePaused  State = "paused"
	StateError   State = "error"
	StateAborted State = "aborted"
)

// maxMessageLen truncates an overlong status/error message before it is
// stored (spec §4.7: "message, truncated to a bounded length").
const maxMessageLen = 1024

// Target names which entity kind and locator a job drives, and which
// named script within that entity's blueprint it is running.
type Target struct {
	Kind       TargetKind
	Locator    string
	ScriptName string
}

type TargetKind string

const (
	TargetFoundation TargetKind = "foundation"
	TargetStructure  TargetKind = "structure"
	TargetDependency TargetKind = "dependency"
)

// BaseJob is the state shared by every job kind.
type BaseJob struct {
	ID     string
	Site   string
	Target Target

	State   State
	Status  []runner.StatusEntry
	Message string

	Runner *runner.Runner
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen]
}

func (b *BaseJob) setMessage(msg string) {
	b.Message = truncate(msg)
}

// Pause transitions a queued job to paused (an operator-initiated pause,
// spec §4.7's management action of the same name — distinct from the
// script's own pause() builtin, which the Advance loop handles via
// *runner.Pause).
func (b *BaseJob) Pause() error {
	if b.State != StateQueued {
		return ErrNotPauseable
	}
	b.State = StatePaused
	return nil
}

// Resume moves a paused job back to queued so the scheduler will advance
// it again.
func (b *BaseJob) Resume() error {
	if b.State != StatePaused {
		return ErrNotPaused
	}
	b.State = StateQueued
	b.Message = ""
	return nil
}

// Reset clears an errored job back to queued without touching the
// interpreter's frame stack, so the next Advance retries the same point.
func (b *BaseJob) Reset() error {
	if b.State != StateError {
		return ErrNotErrored
	}
	b.State = StateQueued
	b.Message = ""
	return nil
}

// Rollback asks the outstanding subcontractor to discard its in-flight
// attempt and rotates the cookie, then requeues the job (spec §4.4,
// §4.7). A handler that yields anything other than "Done" aborts the
// job for good.
func (b *BaseJob) Rollback(d *dispatch.Dispatcher) error {
	if b.State != StateError {
		return ErrNotErrored
	}
	result, err := b.Runner.Rollback()
	if err != nil || result != "Done" {
		b.State = StateAborted
		if err != nil {
			b.setMessage(err.Error())
		}
		return ErrRollbackFailed
	}
	d.Clear(b.ID)
	b.State = StateQueued
	b.Message = ""
	return nil
}

// ClearDispatched discards the outstanding-dispatch bookkeeping for a
// job whose worker is presumed lost, without rolling back handler state
// (spec §4.4 "clear_dispatched"). A dispatched job is parked in
// waiting, so that state is accepted alongside queued — recovering it
// is this action's whole purpose.
func (b *BaseJob) ClearDispatched(d *dispatch.Dispatcher) error {
	if b.State != StateQueued && b.State != StateWaiting {
		return ErrNotQueued
	}
	b.Runner.ClearDispatched()
	d.Clear(b.ID)
	b.State = StateQueued
	return nil
}

// SignalComplete lets an operator or signaling handler inject a status
// line without altering job state.
func (b *BaseJob) SignalComplete(msg string) { b.setMessage(msg) }

// SignalAlert records an alert message and, for a job still queued or
// paused, moves it to error so the alert is not silently outrun by the
// scheduler (spec §6).
func (b *BaseJob) SignalAlert(msg string) {
	b.setMessage(msg)
	if b.State == StateQueued || b.State == StatePaused {
		b.State = StateError
	}
}

// advance drives the Runner forward one tick and maps its control-flow
// signal onto the job's State (spec §4.2, §4.7). completion is invoked
// only when the script reaches "DONE", to apply the target's own
// state-machine hook.
func (b *BaseJob) advance(ctx context.Context, completion func() error) error {
	if b.State != StateQueued {
		return nil
	}

	err := b.Runner.Run(ctx)
	b.Status = b.Runner.Status()

	if err == nil {
		if b.Runner.Done() {
			if cerr := completion(); cerr != nil {
				b.State = StateError
				b.setMessage(cerr.Error())
				return nil
			}
			b.State = StateDone
		}
		return nil
	}

	switch e := err.(type) {
	case *runner.Pause:
		b.State = StatePaused
		b.setMessage(e.Msg)
	case *runner.ExecutionError:
		b.State = StateError
		b.setMessage(e.Msg)
	case *runner.Interrupt:
		// Only a frame genuinely awaiting a worker reply parks the job in
		// waiting; a local poll (delay, a handler with nothing to send)
		// stays queued so the scheduler keeps ticking it — spec §8
		// scenario 3: a pending delay() leaves the job queued.
		if b.Runner.Dispatched() {
			b.State = StateWaiting
		}
		b.setMessage(e.Msg)
	case *runner.Timeout:
		// Step budget exhausted for this tick; stays queued, the
		// scheduler will call Advance again.
	case *runner.UnrecoverableError:
		b.State = StateAborted
		b.setMessage(e.Error())
	case *runner.ScriptError, *runner.ParameterError, *runner.NotDefinedError:
		b.State = StateAborted
		b.setMessage(err.Error())
	default:
		return err
	}
	return nil
}

// dispatchOutbound forwards the Runner's outstanding subcontractor
// request, if any, to the Dispatcher's mailbox so a transport adapter can
// pick it up (spec §4.4 "to_worker").
func (b *BaseJob) dispatchOutbound(d *dispatch.Dispatcher) error {
	module, name, cookie, msg, ok, err := b.Runner.ToSubcontractor()
	if err != nil || !ok {
		return err
	}
	d.Track(b.ID, dispatch.Request{Module: module, Name: name, Cookie: cookie, Params: msg})
	return nil
}

// DeliverReply validates an inbound worker reply's cookie against the
// Dispatcher's mailbox before handing it to the Runner (spec §8 "Cookie
// freshness").
func (b *BaseJob) DeliverReply(d *dispatch.Dispatcher, cookie string, reply []byte) error {
	if err := d.Ack(b.ID, cookie); err != nil {
		return err
	}
	if err := b.Runner.FromSubcontractor(cookie, reply); err != nil {
		return err
	}
	b.State = StateQueued
	return nil
}

// FoundationJob drives a Foundation's create/destroy scripts.
type FoundationJob struct {
	BaseJob
}

func (j *FoundationJob) CanStart(g *entity.Graph) (bool, error) {
	return g.FoundationCanStart(j.Target.Locator, j.Target.ScriptName)
}

func (j *FoundationJob) Advance(ctx context.Context, g *entity.Graph, now time.Time) error {
	return j.advance(ctx, func() error { return j.done(g, now) })
}

func (j *FoundationJob) Dispatch(d *dispatch.Dispatcher) error { return j.dispatchOutbound(d) }

func (j *FoundationJob) done(g *entity.Graph, now time.Time) error {
	switch j.Target.ScriptName {
	case "destroy":
		return g.ApplyFoundationDestroy(j.ID, j.Target.Locator, now)
	case "create":
		f, ok := g.Foundation(j.Target.Locator)
		if !ok {
			return entity.ErrNotFound
		}
		return f.SetBuilt(j.ID, now)
	default:
		// A utility/custom blueprint script completing touches no
		// lifecycle state of its own.
		return nil
	}
}

// StructureJob drives a Structure's create/destroy scripts.
type StructureJob struct {
	BaseJob
}

func (j *StructureJob) CanStart(g *entity.Graph) (bool, error) {
	return g.StructureCanStart(j.Target.Locator, j.Target.ScriptName)
}

func (j *StructureJob) Advance(ctx context.Context, g *entity.Graph, now time.Time) error {
	return j.advance(ctx, func() error { return j.done(g, now) })
}

func (j *StructureJob) Dispatch(d *dispatch.Dispatcher) error { return j.dispatchOutbound(d) }

func (j *StructureJob) done(g *entity.Graph, now time.Time) error {
	switch j.Target.ScriptName {
	case "destroy":
		return g.ApplyStructureDestroy(j.ID, j.Target.Locator, now)
	case "create":
		s, ok := g.Structure(j.Target.Locator)
		if !ok {
			return entity.ErrNotFound
		}
		return s.SetBuilt(j.ID, now)
	default:
		// A utility/custom blueprint script completing touches no
		// lifecycle state of its own.
		return nil
	}
}

// DependencyJob drives a Dependency's named create/destroy script.
// Unlike Foundation/Structure, a Dependency forbids utility scripts: its
// script name must match exactly one of create_script_name or
// destroy_script_name (Foreman/models.py DependencyJob.done()).
type DependencyJob struct {
	BaseJob
}

func (j *DependencyJob) CanStart(g *entity.Graph) (bool, error) {
	return g.DependencyCanStart(j.Target.Locator, j.Target.ScriptName)
}

func (j *DependencyJob) Advance(ctx context.Context, g *entity.Graph, now time.Time) error {
	return j.advance(ctx, func() error { return j.done(g, now) })
}

func (j *DependencyJob) Dispatch(d *dispatch.Dispatcher) error { return j.dispatchOutbound(d) }

func (j *DependencyJob) done(g *entity.Graph, now time.Time) error {
	d, ok := g.Dependency(j.Target.Locator)
	if !ok {
		return entity.ErrNotFound
	}
	switch j.Target.ScriptName {
	case d.DestroyScriptName:
		return g.ApplyDependencyDestroy(j.ID, j.Target.Locator, now)
	case d.CreateScriptName:
		return d.SetBuilt(j.ID, now)
	default:
		return ErrUnknownScript
	}
}
