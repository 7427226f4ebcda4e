// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/pkg/dispatch"
)

// Spec §8 "Single-flight dispatch": at most one to_worker for a given job
// is outstanding; Pending returns the same tracked request until Ack/Clear.
func TestDispatcher_SingleFlight(t *testing.T) {
	d := dispatch.New()
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c1", Params: []byte(`{"n":1}`)})

	first, ok := d.Pending("job-1")
	require.True(t, ok)

	second, ok := d.Pending("job-1")
	require.True(t, ok)
	assert.Equal(t, first, second)
}

// Spec §8 "Cookie freshness": a reply with a mismatched cookie yields
// ErrStaleCookie and does not clear the mailbox.
func TestDispatcher_StaleCookieRejected(t *testing.T) {
	d := dispatch.New()
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c1"})

	err := d.Ack("job-1", "wrong-cookie")
	assert.ErrorIs(t, err, dispatch.ErrStaleCookie)

	// The entry must still be there for the real reply to land on.
	_, ok := d.Pending("job-1")
	assert.True(t, ok)
}

func TestDispatcher_AckClearsOnMatch(t *testing.T) {
	d := dispatch.New()
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c1"})

	require.NoError(t, d.Ack("job-1", "c1"))

	_, ok := d.Pending("job-1")
	assert.False(t, ok)
}

func TestDispatcher_AckWithoutTrackIsNotDispatched(t *testing.T) {
	d := dispatch.New()
	err := d.Ack("unknown-job", "c1")
	assert.ErrorIs(t, err, dispatch.ErrNotDispatched)
}

// A rollback's rotated cookie supersedes any previously tracked request,
// so a stale reply using the old cookie is rejected even though a new
// request is now tracked for the same job.
func TestDispatcher_TrackSupersedesPriorCookie(t *testing.T) {
	d := dispatch.New()
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c1"})
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c2"})

	err := d.Ack("job-1", "c1")
	assert.ErrorIs(t, err, dispatch.ErrStaleCookie)

	require.NoError(t, d.Ack("job-1", "c2"))
}

func TestDispatcher_Clear(t *testing.T) {
	d := dispatch.New()
	d.Track("job-1", dispatch.Request{Module: "foo", Name: "bar", Cookie: "c1"})
	d.Clear("job-1")

	_, ok := d.Pending("job-1")
	assert.False(t, ok)
}
