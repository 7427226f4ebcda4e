// SPDX-License-Identifier: AGPL-3.0-or-later

package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/pkg/dispatch"
	"foundry/pkg/entity"
	"foundry/pkg/job"
	"foundry/pkg/registry"
	"foundry/pkg/runner"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

func mustParse(t *testing.T, src string) *script.Node {
	t.Helper()
	root, err := script.Parse(src)
	require.NoError(t, err)
	return root
}

func TestStructureJob_CreateCompletesAndBuildsStructure(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()
	g.Put(&entity.Foundation{Locator: "f1", LocatedAt: &now, BuiltAt: &now})
	g.Put(&entity.Structure{Locator: "s1", FoundationLocator: "f1"})

	root := mustParse(t, "x = 1\n")
	j := &job.StructureJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetStructure, Locator: "s1", ScriptName: "create"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	ok, err := j.CanStart(g)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, j.Advance(context.Background(), g, now.Add(time.Minute)))
	assert.Equal(t, job.StateDone, j.State)

	s, _ := g.Structure("s1")
	assert.Equal(t, entity.StructureBuilt, s.State())
}

func TestStructureJob_DestroyCascadesDependencies(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()
	g.Put(&entity.Structure{Locator: "s1", BuiltAt: &now, ConfigUUID: "old-uuid", DependencyLocators: []string{"d1"}})
	g.Put(&entity.Dependency{Locator: "d1", StructureLocator: "s1", BuiltAt: &now})

	root := mustParse(t, "x = 1\n")
	j := &job.StructureJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetStructure, Locator: "s1", ScriptName: "destroy"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	require.NoError(t, j.Advance(context.Background(), g, now.Add(time.Minute)))
	assert.Equal(t, job.StateDone, j.State)

	s, _ := g.Structure("s1")
	assert.Equal(t, entity.StructurePlanned, s.State())
	assert.NotEqual(t, "old-uuid", s.ConfigUUID, "destroy rotates config_uuid")
	d, _ := g.Dependency("d1")
	assert.Equal(t, entity.DependencyPlanned, d.State())
}

func TestDependencyJob_DoneRejectsUnknownScript(t *testing.T) {
	g := entity.NewGraph()
	g.Put(&entity.Dependency{Locator: "d1", StructureLocator: "s1", CreateScriptName: "create", DestroyScriptName: "destroy"})

	root := mustParse(t, "x = 1\n")
	j := &job.DependencyJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetDependency, Locator: "d1", ScriptName: "reboot"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	require.NoError(t, j.Advance(context.Background(), g, time.Now()))
	assert.Equal(t, job.StateError, j.State)
	assert.Contains(t, j.Message, job.ErrUnknownScript.Error())
}

func TestBaseJob_SignalAlertMovesQueuedToError(t *testing.T) {
	root := mustParse(t, "x = 1\n")
	j := &job.BaseJob{ID: "job1", State: job.StateQueued, Runner: runner.New(root, nil)}

	j.SignalAlert("worker host caught fire")
	assert.Equal(t, job.StateError, j.State)
	assert.Equal(t, "worker host caught fire", j.Message)

	done := &job.BaseJob{ID: "job2", State: job.StateDone}
	done.SignalAlert("late alert")
	assert.Equal(t, job.StateDone, done.State, "terminal states are left alone")
}

func TestBaseJob_PauseResumeReset(t *testing.T) {
	root := mustParse(t, "x = 1\n")
	j := &job.BaseJob{ID: "job1", State: job.StateQueued, Runner: runner.New(root, nil)}

	require.NoError(t, j.Pause())
	assert.Equal(t, job.StatePaused, j.State)
	assert.ErrorIs(t, j.Pause(), job.ErrNotPauseable)

	require.NoError(t, j.Resume())
	assert.Equal(t, job.StateQueued, j.State)
	assert.ErrorIs(t, j.Reset(), job.ErrNotErrored)
}

// fakeHandler is a minimal ExternalFunction that dispatches one message to
// a worker and completes once a reply arrives, exercising the job layer's
// toSubcontractor/fromSubcontractor wiring end to end.
type fakeHandler struct{}

type fakeState struct {
	Dispatched bool `json:"dispatched"`
	Replied    bool `json:"replied"`
}

func (fakeHandler) Setup(ctx context.Context, params map[string]value.Value) ([]byte, error) {
	return encodeFakeState(fakeState{})
}
func (fakeHandler) Run(ctx context.Context, state []byte) ([]byte, bool, error) {
	s := decodeFakeState(state)
	if s.Replied {
		return state, true, nil
	}
	s.Dispatched = true
	next, err := encodeFakeState(s)
	return next, false, err
}
func (fakeHandler) Done(state []byte) bool                  { return decodeFakeState(state).Replied }
func (fakeHandler) Value(state []byte) (value.Value, error) { return value.Int(1), nil }
func (fakeHandler) ToWorker(state []byte) ([]byte, error) {
	s := decodeFakeState(state)
	if !s.Dispatched || s.Replied {
		return nil, nil
	}
	return []byte("do-the-thing"), nil
}
func (fakeHandler) FromWorker(state []byte, cookie string, reply []byte) ([]byte, error) {
	s := decodeFakeState(state)
	s.Replied = true
	return encodeFakeState(s)
}
func (fakeHandler) Rollback(state []byte) ([]byte, error)    { return state, registry.ErrNoRollback }
func (fakeHandler) GetState(state []byte) ([]byte, error)    { return state, nil }
func (fakeHandler) SetState(snapshot []byte) ([]byte, error) { return snapshot, nil }

func encodeFakeState(s fakeState) ([]byte, error) {
	if s.Dispatched && !s.Replied {
		return []byte(`{"dispatched":true,"replied":false}`), nil
	}
	if s.Replied {
		return []byte(`{"dispatched":true,"replied":true}`), nil
	}
	return []byte(`{"dispatched":false,"replied":false}`), nil
}

func decodeFakeState(state []byte) fakeState {
	s := fakeState{}
	str := string(state)
	if str == `{"dispatched":true,"replied":false}` {
		s.Dispatched = true
	}
	if str == `{"dispatched":true,"replied":true}` {
		s.Dispatched, s.Replied = true, true
	}
	return s
}

func TestFoundationJob_DispatchAndReplyRoundTrip(t *testing.T) {
	registry.RegisterModule(registry.Module{
		Name:      "provision",
		Functions: map[string]func() registry.ExternalFunction{"create": func() registry.ExternalFunction { return fakeHandler{} }},
	})

	g := entity.NewGraph()
	now := time.Now()
	g.Put(&entity.Foundation{Locator: "f1", LocatedAt: &now})

	root := mustParse(t, "provision.create()\n")
	j := &job.FoundationJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetFoundation, Locator: "f1", ScriptName: "create"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	d := dispatch.New()

	require.NoError(t, j.Advance(context.Background(), g, now))
	assert.Equal(t, job.StateWaiting, j.State)

	require.NoError(t, j.Dispatch(d))
	req, ok := d.Pending("job1")
	require.True(t, ok)
	assert.Equal(t, "provision", req.Module)
	assert.Equal(t, "create", req.Name)

	require.NoError(t, j.DeliverReply(d, req.Cookie, []byte("ack")))
	assert.Equal(t, job.StateQueued, j.State)

	require.NoError(t, j.Advance(context.Background(), g, now.Add(time.Minute)))
	assert.Equal(t, job.StateDone, j.State)

	f, _ := g.Foundation("f1")
	assert.Equal(t, entity.FoundationBuilt, f.State())
}

// A handler without rollback support leaves the job aborted (spec §4.7:
// a rollback yielding anything other than "Done" is terminal).
func TestFoundationJob_RollbackUnsupportedAborts(t *testing.T) {
	registry.RegisterModule(registry.Module{
		Name:      "provision2",
		Functions: map[string]func() registry.ExternalFunction{"create": func() registry.ExternalFunction { return fakeHandler{} }},
	})

	g := entity.NewGraph()
	now := time.Now()
	g.Put(&entity.Foundation{Locator: "f1", LocatedAt: &now})

	root := mustParse(t, "provision2.create()\n")
	j := &job.FoundationJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetFoundation, Locator: "f1", ScriptName: "create"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	require.NoError(t, j.Advance(context.Background(), g, now))
	require.Equal(t, job.StateWaiting, j.State)

	// The worker reported failure out of band; the operator moved the job
	// to error and now asks for a rollback the handler cannot perform.
	j.State = job.StateError

	err := j.Rollback(dispatch.New())
	assert.ErrorIs(t, err, job.ErrRollbackFailed)
	assert.Equal(t, job.StateAborted, j.State)
}

// Spec §8 scenario 3: a pending delay() leaves the job queued (not
// waiting) with the remaining-time message, and the scheduler's next
// tick past the deadline completes it.
func TestFoundationJob_DelayKeepsJobQueued(t *testing.T) {
	g := entity.NewGraph()
	g.Put(&entity.Foundation{Locator: "f1"})

	wall := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restoreNow := runner.SetNowForTest(func() time.Time { return wall })
	defer restoreNow()

	root := mustParse(t, "delay(seconds=2)\nz = 1\n")
	j := &job.FoundationJob{BaseJob: job.BaseJob{
		ID:     "job1",
		Target: job.Target{Kind: job.TargetFoundation, Locator: "f1", ScriptName: "bootstrap"},
		State:  job.StateQueued,
		Runner: runner.New(root, nil),
	}}

	require.NoError(t, j.Advance(context.Background(), g, wall))
	assert.Equal(t, job.StateQueued, j.State, "a local poll must stay visible to the scheduler")
	assert.Equal(t, "Waiting for 2 more seconds", j.Message)

	wall = wall.Add(3 * time.Second)
	require.NoError(t, j.Advance(context.Background(), g, wall))
	assert.Equal(t, job.StateDone, j.State)
	assert.Equal(t, int64(1), j.Runner.Vars["z"].Int)
}
