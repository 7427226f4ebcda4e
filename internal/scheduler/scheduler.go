// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler implements the cooperative scheduling loop of spec
// §5: a cron-ticked pass that asks, per queued job, CanStart, advances
// ready interpreters one tick, and persists the result. The cross-job
// concurrency bound comes from spec §5 directly ("the scheduler may
// advance different jobs in parallel provided each job holds an
// exclusive lease on its target entity row").
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"foundry/internal/store"
	"foundry/pkg/config"
	"foundry/pkg/dispatch"
	"foundry/pkg/entity"
	"foundry/pkg/job"
	"foundry/pkg/logging"
	"foundry/pkg/runner"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

// envelope is the format persisted into store.JobRecord.Blob: the job's
// target (store.JobRecord itself only tracks Kind, not locator/script)
// alongside the interpreter's own serialized state. Keeping this local
// to the scheduler lets store.Store's contract stay an opaque byte blob,
// as its doc comment promises.
type envelope struct {
	Locator    string `json:"locator"`
	ScriptName string `json:"script_name"`
	Runner     []byte `json:"runner,omitempty"`
}

// jobHandle unifies FoundationJob/StructureJob/DependencyJob behind the
// operations a tick needs, without requiring BaseJob itself to grow
// target-kind-specific behavior.
type jobHandle interface {
	CanStart(g *entity.Graph) (bool, error)
	Advance(ctx context.Context, g *entity.Graph, now time.Time) error
	Dispatch(d *dispatch.Dispatcher) error
	state() job.State
	message() string
	runner() *runner.Runner
	// base exposes the shared BaseJob for operator management actions
	// (Pause/Resume/Reset/Rollback/ClearDispatched/SignalComplete/
	// SignalAlert) that don't differ by target kind.
	base() *job.BaseJob
	// entityRecord returns the target's current in-memory form for
	// re-persisting after Advance may have mutated it via a done() hook.
	entityRecord(g *entity.Graph) (store.EntityKind, string, interface{}, bool)
}

type foundationJob struct{ *job.FoundationJob }

func (j *foundationJob) state() job.State       { return j.FoundationJob.State }
func (j *foundationJob) message() string        { return j.FoundationJob.Message }
func (j *foundationJob) runner() *runner.Runner { return j.FoundationJob.Runner }
func (j *foundationJob) base() *job.BaseJob     { return &j.FoundationJob.BaseJob }
func (j *foundationJob) entityRecord(g *entity.Graph) (store.EntityKind, string, interface{}, bool) {
	f, ok := g.Foundation(j.Target.Locator)
	if !ok {
		return "", "", nil, false
	}
	return store.KindFoundation, j.Target.Locator, f, true
}

type structureJob struct{ *job.StructureJob }

func (j *structureJob) state() job.State       { return j.StructureJob.State }
func (j *structureJob) message() string        { return j.StructureJob.Message }
func (j *structureJob) runner() *runner.Runner { return j.StructureJob.Runner }
func (j *structureJob) base() *job.BaseJob     { return &j.StructureJob.BaseJob }
func (j *structureJob) entityRecord(g *entity.Graph) (store.EntityKind, string, interface{}, bool) {
	s, ok := g.Structure(j.Target.Locator)
	if !ok {
		return "", "", nil, false
	}
	return store.KindStructure, j.Target.Locator, s, true
}

type dependencyJob struct{ *job.DependencyJob }

func (j *dependencyJob) state() job.State       { return j.DependencyJob.State }
func (j *dependencyJob) message() string        { return j.DependencyJob.Message }
func (j *dependencyJob) runner() *runner.Runner { return j.DependencyJob.Runner }
func (j *dependencyJob) base() *job.BaseJob     { return &j.DependencyJob.BaseJob }
func (j *dependencyJob) entityRecord(g *entity.Graph) (store.EntityKind, string, interface{}, bool) {
	d, ok := g.Dependency(j.Target.Locator)
	if !ok {
		return "", "", nil, false
	}
	return store.KindDependency, j.Target.Locator, d, true
}

// Scheduler drives every site's queued jobs forward on a cron tick.
type Scheduler struct {
	Store    store.Store
	Config   *config.Config
	Logger   logging.Logger
	Dispatch *dispatch.Dispatcher

	// Concurrency bounds how many jobs a single tick advances in
	// parallel (spec §5).
	Concurrency int
	// TickLimiter throttles how often a job may be re-advanced, guarding
	// against a hot loop of Timeout reschedules.
	TickLimiter *rate.Limiter

	mu          sync.Mutex
	scriptCache map[string]*script.Node
}

// New builds a Scheduler ready to Run. cfg supplies the site list and
// blueprint script paths; st is the persistence backend.
func New(st store.Store, cfg *config.Config, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		Store:       st,
		Config:      cfg,
		Logger:      logger,
		Dispatch:    dispatch.New(),
		Concurrency: 8,
		TickLimiter: rate.NewLimiter(rate.Limit(50), 50),
		scriptCache: make(map[string]*script.Node),
	}
}

// Run starts a cron schedule that calls Tick every interval until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context, interval string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc("@every "+interval, func() {
		if err := s.Tick(ctx); err != nil {
			s.Logger.Error("scheduler tick failed", logging.NewField("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduler: scheduling tick: %w", err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Tick advances every ready, queued job across every configured site
// once, bounded to Concurrency jobs in flight (spec §5).
func (s *Scheduler) Tick(ctx context.Context) error {
	for _, site := range s.Config.Sites {
		if err := s.tickSite(ctx, site.Name); err != nil {
			return fmt.Errorf("scheduler: site %s: %w", site.Name, err)
		}
	}
	return nil
}

func (s *Scheduler) tickSite(ctx context.Context, site string) error {
	graph, err := s.loadGraph(ctx, site)
	if err != nil {
		return fmt.Errorf("loading entity graph: %w", err)
	}

	ids, err := s.Store.QueuedJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	now := time.Now()

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.TickLimiter.Wait(gctx); err != nil {
				return err
			}
			if err := s.advanceOne(gctx, graph, id, now); err != nil {
				s.Logger.Warn("job advance failed",
					logging.NewField("job", id), logging.NewField("error", err.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) advanceOne(ctx context.Context, g *entity.Graph, id string, now time.Time) error {
	rec, lease, err := s.Store.LeaseJob(ctx, id)
	if err != nil {
		if err == store.ErrLeaseConflict {
			return nil
		}
		return err
	}

	jh, env, err := s.reconstruct(rec, g)
	if err != nil {
		_ = lease.Rollback(ctx)
		return err
	}

	ready, err := jh.CanStart(g)
	if err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	if !ready {
		return lease.Rollback(ctx)
	}

	if err := jh.Advance(ctx, g, now); err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	if err := jh.Dispatch(s.Dispatch); err != nil {
		s.Logger.Warn("dispatch render failed", logging.NewField("job", id), logging.NewField("error", err.Error()))
	}

	if err := s.commit(ctx, lease, rec, env, jh); err != nil {
		return err
	}
	return s.persistEntity(ctx, rec.Site, g, jh)
}

// commit snapshots jh's runner into env and writes the combined record
// back through lease, the tail shared by advanceOne and every management
// action that mutates a job in place.
func (s *Scheduler) commit(ctx context.Context, lease store.Lease, rec store.JobRecord, env envelope, jh jobHandle) error {
	runnerBlob, err := jh.runner().GetState()
	if err != nil {
		_ = lease.Rollback(ctx)
		return fmt.Errorf("snapshotting runner: %w", err)
	}
	env.Runner = runnerBlob
	blob, err := json.Marshal(env)
	if err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	return lease.Commit(ctx, store.JobRecord{
		ID:      rec.ID,
		Site:    rec.Site,
		Kind:    rec.Kind,
		State:   string(jh.state()),
		Message: jh.message(),
		Blob:    blob,
	})
}

// simpleTransition applies fn to a synthetic BaseJob built from rec's own
// State/Message — cheap for the operator actions that only ever touch
// those two fields, without paying for a full interpreter reconstruction.
func (s *Scheduler) simpleTransition(ctx context.Context, id string, fn func(*job.BaseJob) error) error {
	rec, lease, err := s.Store.LeaseJob(ctx, id)
	if err != nil {
		return err
	}
	b := &job.BaseJob{ID: rec.ID, Site: rec.Site, State: job.State(rec.State), Message: rec.Message}
	if err := fn(b); err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	rec.State = string(b.State)
	rec.Message = b.Message
	return lease.Commit(ctx, rec)
}

// Pause, Resume, and Reset drive the operator-initiated management
// actions of spec §4.7 onto job id.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.simpleTransition(ctx, id, (*job.BaseJob).Pause)
}

func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.simpleTransition(ctx, id, (*job.BaseJob).Resume)
}

func (s *Scheduler) Reset(ctx context.Context, id string) error {
	return s.simpleTransition(ctx, id, (*job.BaseJob).Reset)
}

// SignalComplete posts an operator status line without altering job
// state; SignalAlert posts one and moves a queued or paused job to error.
func (s *Scheduler) SignalComplete(ctx context.Context, id, msg string) error {
	return s.simpleTransition(ctx, id, func(b *job.BaseJob) error { b.SignalComplete(msg); return nil })
}

func (s *Scheduler) SignalAlert(ctx context.Context, id, msg string) error {
	return s.simpleTransition(ctx, id, func(b *job.BaseJob) error { b.SignalAlert(msg); return nil })
}

// withRunner reconstructs id's interpreter (needed by Rollback and
// ClearDispatched, which both touch the Runner itself) and commits
// whatever fn left behind.
func (s *Scheduler) withRunner(ctx context.Context, id string, fn func(jobHandle) error) error {
	rec, lease, err := s.Store.LeaseJob(ctx, id)
	if err != nil {
		return err
	}
	g, err := s.loadGraph(ctx, rec.Site)
	if err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	jh, env, err := s.reconstruct(rec, g)
	if err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	if err := fn(jh); err != nil {
		_ = lease.Rollback(ctx)
		return err
	}
	return s.commit(ctx, lease, rec, env, jh)
}

// Rollback asks id's outstanding subcontractor to discard its in-flight
// attempt (spec §4.4, §4.7). A failed rollback leaves the job aborted —
// that outcome must be persisted even though the action itself reports
// failure, so the closure swallows everything except the precondition
// error (which leaves the row untouched).
func (s *Scheduler) Rollback(ctx context.Context, id string) error {
	var rbErr error
	if err := s.withRunner(ctx, id, func(jh jobHandle) error {
		rbErr = jh.base().Rollback(s.Dispatch)
		if rbErr == job.ErrNotErrored {
			return rbErr
		}
		return nil
	}); err != nil {
		return err
	}
	return rbErr
}

// ClearDispatched discards outstanding-dispatch bookkeeping for id
// without rolling back handler state (spec §4.4 "clear_dispatched").
func (s *Scheduler) ClearDispatched(ctx context.Context, id string) error {
	return s.withRunner(ctx, id, func(jh jobHandle) error { return jh.base().ClearDispatched(s.Dispatch) })
}

// DeliverReply feeds a worker's {cookie, data} reply to id's interpreter,
// rejecting a stale cookie before any state is touched (spec §6 worker
// protocol). On success the job returns to queued so the next tick can
// advance it past the completed dispatch.
func (s *Scheduler) DeliverReply(ctx context.Context, id, cookie string, data []byte) error {
	return s.withRunner(ctx, id, func(jh jobHandle) error { return jh.base().DeliverReply(s.Dispatch, cookie, data) })
}

// LocateFoundation drives a Foundation's planned→located transition
// (spec §4.5 Foundation.setLocated): an operator — or a discovery agent
// reporting through one — has identified the hardware backing the
// foundation. idMap, when non-empty, is attached first so a blueprint
// with a validation template can pass its id-map guard.
func (s *Scheduler) LocateFoundation(ctx context.Context, locator, idMap string) error {
	rec, err := s.Store.GetEntity(ctx, store.KindFoundation, locator)
	if err != nil {
		return err
	}
	g, err := s.loadGraph(ctx, rec.Site)
	if err != nil {
		return err
	}
	f, ok := g.Foundation(locator)
	if !ok {
		return entity.ErrNotFound
	}
	if idMap != "" {
		f.IDMap = idMap
	}

	structState := entity.StructurePlanned
	hasStructure := false
	if f.StructureLocator != "" {
		if st, ok := g.Structure(f.StructureLocator); ok {
			structState, hasStructure = st.State(), true
		}
	}

	if err := f.SetLocated("", structState, hasStructure, time.Now()); err != nil {
		return err
	}
	return s.putEntityRow(ctx, rec.Site, store.KindFoundation, locator, f)
}

// reconstruct rebuilds a runnable jobHandle from a persisted JobRecord,
// loading the target's blueprint script and restoring (or freshly
// starting) the interpreter.
func (s *Scheduler) reconstruct(rec store.JobRecord, g *entity.Graph) (jobHandle, envelope, error) {
	var env envelope
	if len(rec.Blob) > 0 {
		if err := json.Unmarshal(rec.Blob, &env); err != nil {
			return nil, env, fmt.Errorf("corrupt job blob for %s: %w", rec.ID, err)
		}
	}

	root, err := s.scriptFor(store.EntityKind(rec.Kind), env.Locator, env.ScriptName, g)
	if err != nil {
		return nil, env, err
	}

	r := runner.New(root, nil)
	if len(env.Runner) > 0 {
		if err := r.SetState(env.Runner); err != nil {
			return nil, env, fmt.Errorf("restoring runner for %s: %w", rec.ID, err)
		}
	}

	base := job.BaseJob{
		ID:      rec.ID,
		Site:    rec.Site,
		State:   job.State(rec.State),
		Message: rec.Message,
		Runner:  r,
		Target:  job.Target{Locator: env.Locator, ScriptName: env.ScriptName},
	}

	switch store.EntityKind(rec.Kind) {
	case store.KindFoundation:
		base.Target.Kind = job.TargetFoundation
		return &foundationJob{&job.FoundationJob{BaseJob: base}}, env, nil
	case store.KindStructure:
		base.Target.Kind = job.TargetStructure
		return &structureJob{&job.StructureJob{BaseJob: base}}, env, nil
	case store.KindDependency:
		base.Target.Kind = job.TargetDependency
		return &dependencyJob{&job.DependencyJob{BaseJob: base}}, env, nil
	default:
		return nil, env, fmt.Errorf("unknown job target kind %q", rec.Kind)
	}
}

// checkPlacement enforces the placement invariant on a Structure job's
// target: the foundation's blueprint must lie in the structure
// blueprint's allowed set.
func (s *Scheduler) checkPlacement(locator string, g *entity.Graph) error {
	st, ok := g.Structure(locator)
	if !ok {
		return fmt.Errorf("structure %q not found", locator)
	}
	f, ok := g.Foundation(st.FoundationLocator)
	if !ok {
		return fmt.Errorf("structure %q foundation %q not found", locator, st.FoundationLocator)
	}
	if !s.Config.StructurePlacementAllowed(st.Blueprint, f.Blueprint) {
		return fmt.Errorf("structure blueprint %q does not allow foundation blueprint %q", st.Blueprint, f.Blueprint)
	}
	return nil
}

// blueprintOf resolves which blueprint hosts scriptName for a given
// target: a Foundation/Structure's own Blueprint field, or for a
// Dependency, the blueprint of whichever Structure the script actually
// runs against (ScriptStructureLocator if set, else StructureLocator —
// spec §3: "scripts require either structure or script_structure").
func (s *Scheduler) blueprintOf(kind store.EntityKind, locator string, g *entity.Graph) (string, error) {
	switch kind {
	case store.KindFoundation:
		f, ok := g.Foundation(locator)
		if !ok {
			return "", fmt.Errorf("foundation %q not found", locator)
		}
		return f.Blueprint, nil
	case store.KindStructure:
		st, ok := g.Structure(locator)
		if !ok {
			return "", fmt.Errorf("structure %q not found", locator)
		}
		return st.Blueprint, nil
	case store.KindDependency:
		d, ok := g.Dependency(locator)
		if !ok {
			return "", fmt.Errorf("dependency %q not found", locator)
		}
		hostLocator, ok := d.ScriptStructure()
		if !ok {
			return "", fmt.Errorf("dependency %q has no resolvable script structure", locator)
		}
		st, ok := g.Structure(hostLocator)
		if !ok {
			return "", fmt.Errorf("dependency %q script structure %q not found", locator, hostLocator)
		}
		return st.Blueprint, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

func (s *Scheduler) scriptFor(kind store.EntityKind, locator, scriptName string, g *entity.Graph) (*script.Node, error) {
	blueprintName, err := s.blueprintOf(kind, locator, g)
	if err != nil {
		return nil, err
	}
	var bp config.BlueprintConfig
	found := false
	for _, b := range s.Config.Blueprints {
		if b.Name == blueprintName {
			bp, found = b, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("blueprint %q not found in config", blueprintName)
	}
	path, ok := bp.Scripts[scriptName]
	if !ok {
		return nil, fmt.Errorf("blueprint %q has no script named %q", blueprintName, scriptName)
	}
	return s.parseCached(path)
}

func (s *Scheduler) parseCached(path string) (*script.Node, error) {
	s.mu.Lock()
	if cached, ok := s.scriptCache[path]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	// nolint:gosec // G304: path comes from the operator's own config file
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script %s: %w", path, err)
	}
	root, err := script.Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}

	s.mu.Lock()
	s.scriptCache[path] = root
	s.mu.Unlock()
	return root, nil
}

func (s *Scheduler) persistEntity(ctx context.Context, site string, g *entity.Graph, jh jobHandle) error {
	kind, locator, v, ok := jh.entityRecord(g)
	if !ok {
		return nil
	}
	if err := s.putEntityRow(ctx, site, kind, locator, v); err != nil {
		return err
	}

	// A destroy hook cascades past the job's own target; every entity the
	// cascade mutated has to be written back too, or the next tick's
	// graph reload resurrects the pre-cascade rows.
	for _, ref := range g.TakeTouched() {
		var cv interface{}
		switch store.EntityKind(ref.Kind) {
		case store.KindFoundation:
			cv, ok = g.Foundation(ref.Locator)
		case store.KindStructure:
			cv, ok = g.Structure(ref.Locator)
		case store.KindDependency:
			cv, ok = g.Dependency(ref.Locator)
		default:
			continue
		}
		if !ok {
			continue
		}
		if err := s.putEntityRow(ctx, site, store.EntityKind(ref.Kind), ref.Locator, cv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) putEntityRow(ctx context.Context, site string, kind store.EntityKind, locator string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Store.PutEntity(ctx, store.EntityRecord{Kind: kind, Locator: locator, Site: site, Blob: blob})
}

// loadGraph rebuilds an in-memory entity.Graph from every persisted
// entity row for site, the per-tick snapshot CanStart evaluates against
// (spec §9: "implement it as a pure function over freshly read entity
// rows under a lease to avoid TOCTOU between check and transition").
func (s *Scheduler) loadGraph(ctx context.Context, site string) (*entity.Graph, error) {
	recs, err := s.Store.ListEntities(ctx, site)
	if err != nil {
		return nil, err
	}
	g := entity.NewGraph()
	for _, rec := range recs {
		v, err := decodeEntity(rec)
		if err != nil {
			return nil, err
		}
		g.Put(v)
	}
	return g, nil
}

func decodeEntity(rec store.EntityRecord) (interface{}, error) {
	switch rec.Kind {
	case store.KindFoundation:
		var v entity.Foundation
		if err := json.Unmarshal(rec.Blob, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case store.KindStructure:
		var v entity.Structure
		if err := json.Unmarshal(rec.Blob, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case store.KindDependency:
		var v entity.Dependency
		if err := json.Unmarshal(rec.Blob, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case store.KindComplex:
		var v entity.Complex
		if err := json.Unmarshal(rec.Blob, &v); err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", rec.Kind)
	}
}

// EnqueueJob writes a fresh queued job row for target, building its
// initial interpreter from blueprint/scriptName and sealing it into the
// envelope format advanceOne understands. Exposed for CLI job-creation
// and tests.
func (s *Scheduler) EnqueueJob(ctx context.Context, site, id string, kind store.EntityKind, locator, scriptName string, vars map[string]value.Value) error {
	g, err := s.loadGraph(ctx, site)
	if err != nil {
		return err
	}
	if kind == store.KindStructure {
		if err := s.checkPlacement(locator, g); err != nil {
			return err
		}
	}
	root, err := s.scriptFor(kind, locator, scriptName, g)
	if err != nil {
		return err
	}
	r := runner.New(root, vars)
	runnerBlob, err := r.GetState()
	if err != nil {
		return err
	}
	env := envelope{Locator: locator, ScriptName: scriptName, Runner: runnerBlob}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Store.PutJob(ctx, store.JobRecord{
		ID:    id,
		Site:  site,
		Kind:  string(kind),
		State: "queued",
		Blob:  blob,
	})
}
