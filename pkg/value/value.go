// SPDX-License-Identifier: AGPL-3.0-or-later

// Package value defines the runtime value representation shared by the
// script interpreter and the external-function/module registry, kept
// separate from both so neither package has to import the other.
package value

import (
	"fmt"
	"time"
)

// Kind identifies which field of a Value is populated.
type Kind string

const (
	KindNone     Kind = "none"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindString   Kind = "string"
	KindDuration Kind = "duration"
	KindArray    Kind = "array"
	KindMap      Kind = "map"
)

// Value is a tagged-union runtime value produced by evaluating script
// expressions and exchanged with external-function modules.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Flt   float64
	Str   string
	Dur   time.Duration
	Array []Value
	Map   map[string]Value
}

// None is the canonical empty value.
var None = Value{Kind: KindNone}

func Bool(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func Int(n int64) Value              { return Value{Kind: KindInt, Int: n} }
func Float(f float64) Value          { return Value{Kind: KindFloat, Flt: f} }
func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Duration(d time.Duration) Value { return Value{Kind: KindDuration, Dur: d} }
func Arr(items []Value) Value        { return Value{Kind: KindArray, Array: items} }
func Obj(m map[string]Value) Value   { return Value{Kind: KindMap, Map: m} }

// Truthy follows the interpreter's boolean-coercion rule: none and the
// zero value of each kind are false, everything else is true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNone:
		return false
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindFloat:
		return v.Flt != 0
	case KindString:
		return v.Str != ""
	case KindDuration:
		return v.Dur != 0
	case KindArray:
		return len(v.Array) > 0
	case KindMap:
		return len(v.Map) > 0
	default:
		return false
	}
}

// String renders v for logging and error messages, not for script output.
func (v Value) String() string {
	switch v.Kind {
	case KindNone:
		return "none"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Flt)
	case KindString:
		return v.Str
	case KindDuration:
		return v.Dur.String()
	case KindArray:
		return fmt.Sprintf("%v", v.Array)
	case KindMap:
		return fmt.Sprintf("%v", v.Map)
	default:
		return "<invalid>"
	}
}

// DeepCopy returns v with any Array/Map contents recursively cloned, so
// storing the result into a variable can never alias another variable's
// backing array or map (spec §4.2: "a deep copy of value is stored into
// the variable map").
func (v Value) DeepCopy() Value {
	switch v.Kind {
	case KindArray:
		if v.Array == nil {
			return v
		}
		out := make([]Value, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.DeepCopy()
		}
		v.Array = out
		return v
	case KindMap:
		if v.Map == nil {
			return v
		}
		out := make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.DeepCopy()
		}
		v.Map = out
		return v
	default:
		return v
	}
}

// Equal reports deep value equality, used by the "==" and "!=" infix
// operators.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNone:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Flt == b.Flt
	case KindString:
		return a.Str == b.Str
	case KindDuration:
		return a.Dur == b.Dur
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
