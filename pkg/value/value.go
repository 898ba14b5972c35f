package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"nre/pkg/types"
)

type Kind uint8

const (
	KindUnspeced Kind = iota
	KindInt
	KindDouble
	KindString
	KindBool
	KindDatetime
	KindPath
	KindTuple
	KindCons
	KindOpaque
	KindBreak
	KindSuccess
	KindFunc
	KindPartial
)

var kindNames = [...]string{
	KindUnspeced: "unspeced",
	KindInt:      "integer",
	KindDouble:   "double",
	KindString:   "string",
	KindBool:     "boolean",
	KindDatetime: "time",
	KindPath:     "path",
	KindTuple:    "tuple",
	KindCons:     "cons",
	KindOpaque:   "opaque",
	KindBreak:    "break",
	KindSuccess:  "success",
	KindFunc:     "function",
	KindPartial:  "partial application",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ListCons is the constructor name used for lists.
const ListCons = "list"

// Value is a runtime result. Scalars live inline; composite kinds keep their
// components in Elems.
//
// OWNERSHIP: a Value is immutable once built. Composite values share their
// Elems slice; builtins that modify a list copy it first.
type Value struct {
	Kind Kind

	I int64   // int, bool (0/1), datetime (unix seconds)
	D float64 // double
	S string  // string, path, constructor name, function name, opaque type name

	Elems []Value // tuple components, constructor args, partially applied args
	Arity int     // remaining arguments of a function reference

	Opaque interface{}

	// Future is the union type stamped by a flexible coercion.
	Future *types.Type
}

func Unspeced() Value            { return Value{Kind: KindUnspeced} }
func Int(i int64) Value          { return Value{Kind: KindInt, I: i} }
func Double(d float64) Value     { return Value{Kind: KindDouble, D: d} }
func String(s string) Value      { return Value{Kind: KindString, S: s} }
func Path(s string) Value        { return Value{Kind: KindPath, S: s} }
func Break() Value               { return Value{Kind: KindBreak} }
func Success() Value             { return Value{Kind: KindSuccess} }
func Tuple(elems ...Value) Value { return Value{Kind: KindTuple, Elems: elems} }

func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBool, I: 1}
	}
	return Value{Kind: KindBool}
}

func Datetime(t time.Time) Value { return Value{Kind: KindDatetime, I: t.Unix()} }

// Cons builds a constructed value.
func Cons(name string, args ...Value) Value {
	return Value{Kind: KindCons, S: name, Elems: args}
}

// List builds a list value.
func List(items ...Value) Value {
	return Value{Kind: KindCons, S: ListCons, Elems: items}
}

// Opaque wraps a payload bridged from the surrounding system.
func Opaque(typeName string, payload interface{}) Value {
	return Value{Kind: KindOpaque, S: typeName, Opaque: payload}
}

// Func is a reference to a named function that still needs arity arguments.
func Func(name string, arity int) Value {
	return Value{Kind: KindFunc, S: name, Arity: arity}
}

// Partial applies one more argument to a function reference or a partial
// application.
func Partial(fn Value, arg Value) Value {
	name := fn.S
	args := make([]Value, 0, len(fn.Elems)+1)
	if fn.Kind == KindPartial {
		args = append(args, fn.Elems...)
	}
	args = append(args, arg)
	return Value{Kind: KindPartial, S: name, Elems: args, Arity: fn.Arity - 1}
}

func (v Value) IsList() bool { return v.Kind == KindCons && v.S == ListCons }

func (v Value) AsBool() bool { return v.I != 0 }

func (v Value) Time() time.Time { return time.Unix(v.I, 0) }

// IsCallable reports whether the value can be applied to arguments.
func (v Value) IsCallable() bool { return v.Kind == KindFunc || v.Kind == KindPartial }

// Type returns the type descriptor of the value.
func (v Value) Type() *types.Type {
	switch v.Kind {
	case KindInt:
		return types.IntT
	case KindDouble:
		return types.DoubleT
	case KindString:
		return types.StringT
	case KindBool:
		return types.BoolT
	case KindDatetime:
		return types.DatetimeT
	case KindPath:
		return types.PathT
	case KindUnspeced:
		return types.UnspecedT
	case KindTuple:
		comps := make([]*types.Type, len(v.Elems))
		for i, e := range v.Elems {
			comps[i] = e.Type()
		}
		return types.NewTuple(comps...)
	case KindCons:
		return types.NewCons(v.S)
	case KindOpaque:
		return types.NewOpaque(v.S)
	case KindFunc, KindPartial:
		return types.NewFunc(types.NewTuple(), types.DynamicT)
	}
	return &types.Type{Kind: types.Unknown, Name: v.Kind.String()}
}

// FormatDouble renders a double with the shortest representation that parses
// back to the same value.
func FormatDouble(d float64) string {
	return decimal.NewFromFloat(d).String()
}

// String converts the value to its textual form, the way writeLine and the
// string coercion see it.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindDouble:
		return FormatDouble(v.D)
	case KindBool:
		if v.I != 0 {
			return "true"
		}
		return "false"
	case KindString, KindPath:
		return v.S
	case KindDatetime:
		return strconv.FormatInt(v.I, 10)
	case KindTuple:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindCons:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		if v.IsList() {
			return "[" + strings.Join(parts, ",") + "]"
		}
		if len(parts) == 0 {
			return v.S
		}
		return v.S + "(" + strings.Join(parts, ", ") + ")"
	case KindOpaque:
		if s, ok := v.Opaque.(fmt.Stringer); ok {
			return s.String()
		}
		return "<" + v.S + ">"
	case KindFunc:
		return v.S
	case KindPartial:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return v.S + "(" + strings.Join(parts, ", ") + ", ...)"
	}
	return ""
}

// Native converts the value into plain Go data for JSON output and for
// expression evaluation.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindInt:
		return v.I
	case KindDouble:
		return v.D
	case KindBool:
		return v.I != 0
	case KindString, KindPath:
		return v.S
	case KindDatetime:
		return v.Time()
	case KindTuple, KindCons:
		out := make([]interface{}, len(v.Elems))
		for i, e := range v.Elems {
			out[i] = e.Native()
		}
		return out
	case KindOpaque:
		if kv, ok := v.Opaque.(*KeyValPair); ok {
			return kv.Map()
		}
		return v.Opaque
	}
	return nil
}

// FromNative converts Go data into a value.
func FromNative(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Unspeced()
	case Value:
		return t
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint32:
		return Int(int64(t))
	case float32:
		return Double(float64(t))
	case float64:
		return Double(t)
	case string:
		return String(t)
	case []byte:
		return String(string(t))
	case time.Time:
		return Datetime(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromNative(e)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = String(e)
		}
		return List(items...)
	case map[string]interface{}:
		kv := NewKeyValPair()
		for k, e := range t {
			kv.Add(k, FromNative(e).String())
		}
		kv.Sort()
		return Opaque(KeyValPairType, kv)
	}
	return String(fmt.Sprint(x))
}
