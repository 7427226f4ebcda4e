// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"foundry/pkg/registry"
	"foundry/pkg/script"
	"foundry/pkg/value"
)

// handlerFailure converts a handler method's error into the terminal
// UnrecoverableError, keeping the call-site stack on Err (spec §7 kind
// 4: "wrapped with the offending handler/module/line").
func handlerFailure(err error, module, name string, line int) *UnrecoverableError {
	return &UnrecoverableError{
		Msg:     err.Error(),
		Handler: name,
		Module:  module,
		Line:    line,
		Err:     pkgerrors.WithStack(err),
	}
}

// raiseHandlerError re-raises a control-effect error a handler returned
// as its final value — an ExecutionError stays recoverable, a Pause
// stays a pause — wrapping only unrecognized errors as unrecoverable.
func raiseHandlerError(err error, module, name string, line int) error {
	switch err.(type) {
	case *ExecutionError, *Pause, *ParameterError, *NotDefinedError, *UnrecoverableError:
		return err
	default:
		return handlerFailure(err, module, name, line)
	}
}

func registryModuleFor(name string) (registry.Module, bool) {
	return registry.ModuleRegistry.Get(name)
}

// pushFunctionFrame begins a suspendable FUNCTION call. If target is
// non-nil, the eventual result is stored into it instead of discarded
// (the assignment-RHS case); hasIndex/idx pre-evaluate a subscript target
// once, since re-evaluating it after a multi-tick suspension could
// observe different state.
func (r *Runner) pushFunctionFrame(n *script.Node, target *script.Node, idx value.Value, hasIndex bool) error {
	r.pushFrame(&Frame{
		Kind:         frameFunction,
		Node:         n,
		Module:       n.Module,
		Name:         n.Name,
		Phase:        "setup",
		AssignTarget: target,
		AssignIndex:  idx,
		HasIndex:     hasIndex,
	})
	return nil
}

func (r *Runner) evalParams(n *script.Node) (map[string]value.Value, error) {
	params := make(map[string]value.Value, len(n.Params))
	for _, p := range n.Params {
		v, err := r.evalExpr(p.Value)
		if err != nil {
			return nil, err
		}
		params[p.Name] = v
	}
	return params, nil
}

// arrayWriteBackTarget returns the AST node that supplied n's "array"
// argument, if it names a variable or subscript a mutatingArrayBuiltins
// call can write back into. A literal or other computed expression has
// nothing backing it to mutate.
func arrayWriteBackTarget(n *script.Node) *script.Node {
	for _, p := range n.Params {
		if p.Name != "array" {
			continue
		}
		if p.Value.Kind == script.KindVariable || p.Value.Kind == script.KindArrayMapItem {
			return p.Value
		}
		return nil
	}
	return nil
}

// writeBackMutatedArray stores params["array"] (left behind by a
// mutatingArrayBuiltins call) back into whatever variable or subscript
// n's "array" argument named.
func (r *Runner) writeBackMutatedArray(n *script.Node, params map[string]value.Value) error {
	target := arrayWriteBackTarget(n)
	if target == nil {
		return nil
	}
	return r.storeTarget(target, params["array"])
}

func (r *Runner) stepFunction(ctx context.Context, f *Frame) (err error) {
	node := f.Node

	// A panicking handler method must abort the job, not take the
	// coordinator down with it (spec §7 kind 4).
	defer func() {
		if rec := recover(); rec != nil {
			r.popFrame()
			err = handlerFailure(pkgerrors.Errorf("handler panic: %v", rec), f.Module, f.Name, node.Line)
		}
	}()

	switch f.Phase {
	case "setup":
		params, err := r.evalParams(node)
		if err != nil {
			return err
		}

		if f.Module == "" {
			if builtin, ok := syncBuiltins[f.Name]; ok {
				v, err := builtin(params)
				if err != nil {
					return err
				}
				if mutatingArrayBuiltins[f.Name] {
					if err := r.writeBackMutatedArray(node, params); err != nil {
						return err
					}
				}
				return r.finishFunction(f, v)
			}
			if v, ctrlErr, handled := evalControlBuiltin(f.Name, params); handled {
				if ctrlErr != nil {
					r.popFrame()
					return ctrlErr
				}
				return r.finishFunction(f, v)
			}
		}

		instance, err := resolveFunction(f.Module, f.Name)
		if err != nil {
			r.popFrame()
			return err
		}
		state, err := instance.Setup(ctx, params)
		if err != nil {
			r.popFrame()
			if pe, ok := err.(*ParameterError); ok {
				return pe
			}
			return handlerFailure(err, f.Module, f.Name, node.Line)
		}
		r.Cookie = uuid.NewString()
		f.Instance = instance
		f.State = state
		f.Phase = "poll"
		return nil

	case "poll":
		if f.Instance.Done(f.State) {
			v, err := f.Instance.Value(f.State)
			if err != nil {
				r.popFrame()
				return raiseHandlerError(err, f.Module, f.Name, node.Line)
			}
			return r.finishFunction(f, v)
		}

		// A dispatch already sent to a subcontractor stays outstanding
		// until FromSubcontractor delivers (or clear_dispatched discards)
		// the reply; Run/ToWorker are not re-invoked in between (spec
		// §4.4, §8: at most one outstanding dispatch per job).
		if f.Dispatched {
			statusMsg := ""
			if m, ok := f.Instance.(registry.MessageProvider); ok {
				statusMsg = m.Message(f.State)
			}
			return &Interrupt{Msg: statusMsg}
		}

		next, done, err := f.Instance.Run(ctx, f.State)
		if err != nil {
			r.popFrame()
			return handlerFailure(err, f.Module, f.Name, node.Line)
		}
		f.State = next
		if done {
			return nil
		}

		msg, err := f.Instance.ToWorker(f.State)
		if err != nil {
			r.popFrame()
			return handlerFailure(err, f.Module, f.Name, node.Line)
		}
		f.Dispatched = msg != nil
		statusMsg := ""
		if m, ok := f.Instance.(registry.MessageProvider); ok {
			statusMsg = m.Message(f.State)
		}
		return &Interrupt{Msg: statusMsg}

	default:
		return &ScriptError{Msg: "unknown function frame phase", Line: node.Line}
	}
}

func (r *Runner) finishFunction(f *Frame, v value.Value) error {
	r.popFrame()
	if f.AssignTarget == nil {
		r.lastResult = v
		return nil
	}
	if f.HasIndex {
		return r.storeIndexed(f.AssignTarget, f.AssignIndex, v)
	}
	return r.storeTarget(f.AssignTarget, v)
}

// callFunctionSync drives a FUNCTION call to completion within a single
// evalExpr call, for the rare case of a function nested inside a larger
// expression (see evalExpr's doc comment).
func (r *Runner) callFunctionSync(n *script.Node) (value.Value, error) {
	params, err := r.evalParams(n)
	if err != nil {
		return value.None, err
	}

	if n.Module == "" {
		if builtin, ok := syncBuiltins[n.Name]; ok {
			v, err := builtin(params)
			if err != nil {
				return value.None, err
			}
			if mutatingArrayBuiltins[n.Name] {
				if err := r.writeBackMutatedArray(n, params); err != nil {
					return value.None, err
				}
			}
			return v, nil
		}
		if v, ctrlErr, handled := evalControlBuiltin(n.Name, params); handled {
			return v, ctrlErr
		}
	}

	instance, err := resolveFunction(n.Module, n.Name)
	if err != nil {
		return value.None, err
	}
	return r.runSyncInstance(context.Background(), instance, params, n)
}

const syncCallIterationCap = 10000

func (r *Runner) runSyncInstance(ctx context.Context, instance registry.ExternalFunction, params map[string]value.Value, n *script.Node) (value.Value, error) {
	state, err := instance.Setup(ctx, params)
	if err != nil {
		return value.None, handlerFailure(err, n.Module, n.Name, n.Line)
	}
	r.Cookie = uuid.NewString()

	for i := 0; i < syncCallIterationCap; i++ {
		if instance.Done(state) {
			v, err := instance.Value(state)
			if err != nil {
				return value.None, raiseHandlerError(err, n.Module, n.Name, n.Line)
			}
			return v, nil
		}
		next, _, err := instance.Run(ctx, state)
		if err != nil {
			return value.None, handlerFailure(err, n.Module, n.Name, n.Line)
		}
		state = next
	}
	return value.None, &Timeout{Line: n.Line}
}
