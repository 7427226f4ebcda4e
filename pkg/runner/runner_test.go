// SPDX-License-Identifier: AGPL-3.0-or-later

package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// Spec §8 scenario 1: arithmetic and assignment.
func TestRunner_ArithmeticAndAssignment(t *testing.T) {
	root := mustParse(t, "x = ( 2 + ( 3 * 4 ) )\n")
	r := runner.New(root, nil)

	err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Done())
	assert.Equal(t, "DONE", r.State)
	assert.Equal(t, int64(14), r.Vars["x"].Int)
}

// Spec §8 scenario 2: if/else.
func TestRunner_IfElseBranches(t *testing.T) {
	src := "y = 0\nif ( x > 5 ) then y = 1\nelse y = 2\n"

	rootHigh := mustParse(t, src)
	rHigh := runner.New(rootHigh, map[string]value.Value{"x": value.Int(10)})
	require.NoError(t, rHigh.Run(context.Background()))
	assert.Equal(t, int64(1), rHigh.Vars["y"].Int)

	rootLow := mustParse(t, src)
	rLow := runner.New(rootLow, map[string]value.Value{"x": value.Int(3)})
	require.NoError(t, rLow.Run(context.Background()))
	assert.Equal(t, int64(2), rLow.Vars["y"].Int)
}

// Spec §8 scenario 5: goto.
func TestRunner_Goto(t *testing.T) {
	src := ":top\nx = ( x + 1 )\nif ( x < 3 ) then goto top\n"
	root := mustParse(t, src)
	r := runner.New(root, map[string]value.Value{"x": value.Int(0)})

	require.NoError(t, r.Run(context.Background()))
	assert.True(t, r.Done())
	assert.Equal(t, int64(3), r.Vars["x"].Int)
}

// Spec §8 scenario 3: delay suspension.
func TestRunner_DelaySuspendsThenCompletes(t *testing.T) {
	src := "delay(seconds=2)\nz = 1\n"
	root := mustParse(t, src)
	r := runner.New(root, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restoreNow := runner.SetNowForTest(func() time.Time { return now })
	defer restoreNow()

	err := r.Run(context.Background())
	var interrupt *runner.Interrupt
	require.ErrorAs(t, err, &interrupt)
	assert.Equal(t, "Waiting for 2 more seconds", interrupt.Msg)
	assert.False(t, r.Done())

	now = now.Add(3 * time.Second)
	require.NoError(t, r.Run(context.Background()))
	assert.True(t, r.Done())
	assert.Equal(t, int64(1), r.Vars["z"].Int)
}

func TestRunner_WhileLoop(t *testing.T) {
	root := mustParse(t, "while ( x < 10 ) do x = ( x + 1 )\n")
	r := runner.New(root, map[string]value.Value{"x": value.Int(0)})
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, int64(10), r.Vars["x"].Int)
}

func TestRunner_NotDefinedVariable(t *testing.T) {
	root := mustParse(t, "x = y\n")
	r := runner.New(root, nil)
	err := r.Run(context.Background())
	var nde *runner.NotDefinedError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, "ABORTED", r.State)
}

func TestRunner_BuiltinLen(t *testing.T) {
	root := mustParse(t, "a = [1, 2, 3]\nn = len(array=a)\n")
	r := runner.New(root, nil)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, int64(3), r.Vars["n"].Int)
}

// Spec §4.3: append() mutates its "array" argument in place, so a
// bareword call (no assignment target) still updates the source variable.
func TestRunner_BuiltinAppendMutatesInPlace(t *testing.T) {
	root := mustParse(t, "a = [1, 2, 3]\nappend(array=a, value=4)\n")
	r := runner.New(root, nil)
	require.NoError(t, r.Run(context.Background()))
	got := r.Vars["a"].Array
	require.Len(t, got, 4)
	for i, want := range []int64{1, 2, 3, 4} {
		assert.Equal(t, want, got[i].Int)
	}
}

// Spec §4.3: pop() removes and returns the element, also mutating
// "array" in place.
func TestRunner_BuiltinPopMutatesInPlace(t *testing.T) {
	root := mustParse(t, "a = [1, 2, 3]\nn = pop(array=a, index=0)\n")
	r := runner.New(root, nil)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, int64(1), r.Vars["n"].Int)
	got := r.Vars["a"].Array
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Int)
	assert.Equal(t, int64(3), got[1].Int)
}

// Spec §4.2: assigning one variable to another stores a deep copy, so
// mutating the copy through a subscript never aliases the source.
func TestRunner_AssignmentDeepCopiesArrays(t *testing.T) {
	root := mustParse(t, "a = [1, 2, 3]\nb = a\nb[0] = 99\n")
	r := runner.New(root, nil)
	require.NoError(t, r.Run(context.Background()))

	aGot := r.Vars["a"].Array
	require.Len(t, aGot, 3)
	assert.Equal(t, int64(1), aGot[0].Int)
	assert.Equal(t, int64(2), aGot[1].Int)
	assert.Equal(t, int64(3), aGot[2].Int)

	bGot := r.Vars["b"].Array
	require.Len(t, bGot, 3)
	assert.Equal(t, int64(99), bGot[0].Int)
	assert.Equal(t, int64(2), bGot[1].Int)
	assert.Equal(t, int64(3), bGot[2].Int)
}

func TestRunner_SnapshotRoundTrip(t *testing.T) {
	src := "delay(seconds=2)\nz = 1\n"
	root := mustParse(t, src)
	r := runner.New(root, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restoreNow := runner.SetNowForTest(func() time.Time { return now })
	defer restoreNow()

	err := r.Run(context.Background())
	require.Error(t, err)

	blob, err := r.GetState()
	require.NoError(t, err)

	restored := runner.New(root, nil)
	require.NoError(t, restored.SetState(blob))

	now = now.Add(3 * time.Second)
	require.NoError(t, restored.Run(context.Background()))
	assert.True(t, restored.Done())
	assert.Equal(t, int64(1), restored.Vars["z"].Int)
}

// Checkpoint idempotence: a restored runner, given the same external
// inputs (here, the same clock), produces outputs equal to the
// original's.
func TestRunner_CheckpointIdempotence(t *testing.T) {
	src := ":top\nx = ( x + 1 )\ndelay(seconds=1)\nif ( x < 3 ) then goto top\ny = ( x . \"!\" )\n"

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restoreNow := runner.SetNowForTest(func() time.Time { return now })
	defer restoreNow()

	run := func(root *script.Node, fromBlob []byte) *runner.Runner {
		r := runner.New(root, map[string]value.Value{"x": value.Int(0)})
		if fromBlob != nil {
			require.NoError(t, r.SetState(fromBlob))
		}
		for !r.Done() {
			err := r.Run(context.Background())
			if err != nil {
				var interrupt *runner.Interrupt
				require.ErrorAs(t, err, &interrupt)
				now = now.Add(2 * time.Second)
			}
		}
		return r
	}

	rootA := mustParse(t, src)
	original := run(rootA, nil)

	// Drive a second runner to its first suspension, snapshot it, restore
	// into a fresh runner, and finish there.
	now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rootB := mustParse(t, src)
	half := runner.New(rootB, map[string]value.Value{"x": value.Int(0)})
	err := half.Run(context.Background())
	var interrupt *runner.Interrupt
	require.ErrorAs(t, err, &interrupt)
	blob, err := half.GetState()
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	restored := run(mustParse(t, src), blob)

	if diff := cmp.Diff(original.Vars, restored.Vars); diff != "" {
		t.Fatalf("restored runner diverged from original (-original +restored):\n%s", diff)
	}
	assert.Equal(t, "3!", restored.Vars["y"].Str)
}
