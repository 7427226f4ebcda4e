// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/scheduler"
	"foundry/internal/store"
	"foundry/internal/store/memstore"
	"foundry/pkg/config"
	"foundry/pkg/entity"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.script")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func seedFoundation(t *testing.T, st store.Store, locator, site, blueprint string) {
	t.Helper()
	f := entity.Foundation{Locator: locator, Site: site, Blueprint: blueprint}
	blob, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, st.PutEntity(context.Background(), store.EntityRecord{
		Kind: store.KindFoundation, Locator: locator, Site: site, Blob: blob,
	}))
}

// seedLocatedFoundation seeds a Foundation already in the "located" state,
// so its "create" script's CanStart predicate (spec §4.6) is satisfied.
func seedLocatedFoundation(t *testing.T, st store.Store, locator, site, blueprint string) {
	t.Helper()
	now := time.Now()
	f := entity.Foundation{Locator: locator, Site: site, Blueprint: blueprint, LocatedAt: &now}
	blob, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, st.PutEntity(context.Background(), store.EntityRecord{
		Kind: store.KindFoundation, Locator: locator, Site: site, Blob: blob,
	}))
}

// Spec §5: a tick advances a ready, queued job and persists the result.
func TestScheduler_TickAdvancesJobToDone(t *testing.T) {
	ctx := context.Background()
	scriptPath := writeScript(t, "x = ( 2 + 2 )\n")

	cfg := &config.Config{
		Sites: []config.SiteConfig{{Name: "dc1"}},
		Blueprints: []config.BlueprintConfig{
			{Name: "rack", Kind: "foundation", Scripts: map[string]string{"create": scriptPath}},
		},
	}

	st := memstore.New()
	// "create" requires FoundationLocated state (spec §4.6).
	seedLocatedFoundation(t, st, "f1", "dc1", "rack")

	sched := scheduler.New(st, cfg, nil)
	require.NoError(t, sched.EnqueueJob(ctx, "dc1", "job1", store.KindFoundation, "f1", "create", nil))

	require.NoError(t, sched.Tick(ctx))

	ids, err := st.QueuedJobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "job should no longer be queued once done")

	rec, lease, err := st.LeaseJob(ctx, "job1")
	require.NoError(t, err)
	require.NoError(t, lease.Rollback(ctx))
	assert.Equal(t, "done", rec.State)

	ent, err := st.GetEntity(ctx, store.KindFoundation, "f1")
	require.NoError(t, err)
	var f entity.Foundation
	require.NoError(t, json.Unmarshal(ent.Blob, &f))
	assert.Equal(t, entity.FoundationBuilt, f.State())
}

// A job whose CanStart predicate is false stays queued and untouched.
func TestScheduler_TickLeavesNotReadyJobQueued(t *testing.T) {
	ctx := context.Background()
	scriptPath := writeScript(t, "x = 1\n")

	cfg := &config.Config{
		Sites: []config.SiteConfig{{Name: "dc1"}},
		Blueprints: []config.BlueprintConfig{
			{Name: "rack", Kind: "foundation", Scripts: map[string]string{"create": scriptPath}},
		},
	}

	st := memstore.New()
	// "create" requires FoundationLocated state; this foundation is still
	// planned, so CanStart is false and the job must stay queued.
	seedFoundation(t, st, "f1", "dc1", "rack")

	sched := scheduler.New(st, cfg, nil)
	require.NoError(t, sched.EnqueueJob(ctx, "dc1", "job1", store.KindFoundation, "f1", "create", nil))

	require.NoError(t, sched.Tick(ctx))

	ids, err := st.QueuedJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, ids)
}

// A structure job may only be enqueued when its foundation's blueprint
// lies in the structure blueprint's allowed set.
func TestScheduler_EnqueueRejectsDisallowedPlacement(t *testing.T) {
	ctx := context.Background()
	scriptPath := writeScript(t, "x = 1\n")

	cfg := &config.Config{
		Sites: []config.SiteConfig{{Name: "dc1"}},
		Blueprints: []config.BlueprintConfig{
			{Name: "rack", Kind: "foundation", Scripts: map[string]string{"create": scriptPath}},
			{Name: "blade", Kind: "foundation", Scripts: map[string]string{"create": scriptPath}},
			{Name: "web", Kind: "structure", Scripts: map[string]string{"create": scriptPath},
				AllowedFoundationBlueprints: []string{"blade"}},
		},
	}

	st := memstore.New()
	seedFoundation(t, st, "f1", "dc1", "rack")

	s := entity.Structure{Locator: "s1", Site: "dc1", Blueprint: "web", FoundationLocator: "f1"}
	blob, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, st.PutEntity(ctx, store.EntityRecord{
		Kind: store.KindStructure, Locator: "s1", Site: "dc1", Blob: blob,
	}))

	sched := scheduler.New(st, cfg, nil)
	err = sched.EnqueueJob(ctx, "dc1", "job1", store.KindStructure, "s1", "create", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not allow foundation blueprint")
}

// LocateFoundation drives planned→located and persists the result; a
// still-bound discovery agent blocks it.
func TestScheduler_LocateFoundation(t *testing.T) {
	ctx := context.Background()
	scriptPath := writeScript(t, "x = 1\n")

	cfg := &config.Config{
		Sites: []config.SiteConfig{{Name: "dc1"}},
		Blueprints: []config.BlueprintConfig{
			{Name: "rack", Kind: "foundation", Scripts: map[string]string{"create": scriptPath}},
		},
	}

	st := memstore.New()
	seedFoundation(t, st, "f1", "dc1", "rack")
	sched := scheduler.New(st, cfg, nil)

	require.NoError(t, sched.LocateFoundation(ctx, "f1", `{"serial":"abc"}`))

	ent, err := st.GetEntity(ctx, store.KindFoundation, "f1")
	require.NoError(t, err)
	var f entity.Foundation
	require.NoError(t, json.Unmarshal(ent.Blob, &f))
	assert.Equal(t, entity.FoundationLocated, f.State())
	assert.Equal(t, `{"serial":"abc"}`, f.IDMap)

	bound := entity.Foundation{Locator: "f2", Site: "dc1", Blueprint: "rack", CartographerID: "agent-7"}
	blob, err := json.Marshal(bound)
	require.NoError(t, err)
	require.NoError(t, st.PutEntity(ctx, store.EntityRecord{
		Kind: store.KindFoundation, Locator: "f2", Site: "dc1", Blob: blob,
	}))

	err = sched.LocateFoundation(ctx, "f2", "")
	assert.ErrorIs(t, err, entity.ErrCartographerBound)
}

// Spec §4.7: Pause/Resume toggle a queued job out of and back into the
// scheduler's consideration without touching its interpreter state.
func TestScheduler_PauseResume(t *testing.T) {
	ctx := context.Background()
	scriptPath := writeScript(t, "x = 1\n")

	cfg := &config.Config{
		Sites:      []config.SiteConfig{{Name: "dc1"}},
		Blueprints: []config.BlueprintConfig{{Name: "rack", Kind: "foundation", Scripts: map[string]string{"bootstrap": scriptPath}}},
	}
	st := memstore.New()
	seedFoundation(t, st, "f1", "dc1", "rack")

	sched := scheduler.New(st, cfg, nil)
	require.NoError(t, sched.EnqueueJob(ctx, "dc1", "job1", store.KindFoundation, "f1", "bootstrap", nil))

	require.NoError(t, sched.Pause(ctx, "job1"))
	ids, err := st.QueuedJobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, sched.Resume(ctx, "job1"))
	ids, err = st.QueuedJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, ids)
}
