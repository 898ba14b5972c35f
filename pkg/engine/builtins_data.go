package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ncruces/go-strftime"
	"github.com/spf13/cast"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/msi"
	"nre/pkg/rerr"
	"nre/pkg/types"
	"nre/pkg/value"
)

func registerData(s *SysTable) {
	// conversion
	s.Register("str", strBuiltin, Sig{IO: ins(1)})
	s.Register("int", intBuiltin, Sig{IO: ins(1)})
	s.Register("double", coerceTo(types.DoubleT), Sig{IO: ins(1)})
	s.Register("bool", coerceTo(types.BoolT), Sig{IO: ins(1)})
	s.Register("datetime", datetimeBuiltin, Sig{IO: ins(1)})
	s.Register("time", timeBuiltin, Sig{Description: "current time"})
	s.Register("timestr", timestrBuiltin, Sig{IO: ins(1), Params: []*types.Type{types.DatetimeT}})
	s.Register("timestrf", timestrfBuiltin, Sig{IO: ins(2), Params: []*types.Type{types.DatetimeT, types.StringT}})
	s.Register("datetimef", datetimefBuiltin, Sig{IO: ins(2), Params: []*types.Type{types.StringT, types.StringT}})
	s.Register("type", typeBuiltin, Sig{IO: ins(1)})

	// lists and tuples
	s.Register("list", listBuiltin, Sig{Variadic: true})
	s.Register("tuple", tupleBuiltin, Sig{Variadic: true})
	s.Register("elem", elemBuiltin, Sig{IO: ins(2), Params: []*types.Type{nil, types.IntT}})
	s.Register("setelem", setelemBuiltin, Sig{IO: ins(3), Params: []*types.Type{nil, types.IntT}})
	s.Register("hd", hdBuiltin, Sig{IO: ins(1)})
	s.Register("tl", tlBuiltin, Sig{IO: ins(1)})
	s.Register("cons", consBuiltin, Sig{IO: ins(2)})
	s.Register("size", sizeBuiltin, Sig{IO: ins(1)})

	// strings
	s.Register("strlen", strlenBuiltin, Sig{IO: ins(1), Params: []*types.Type{types.StringT}})
	s.Register("substr", substrBuiltin, Sig{IO: ins(3), Params: []*types.Type{types.StringT, types.IntT, types.IntT}})
	s.Register("triml", trimBuiltin(false), Sig{IO: ins(2), Params: []*types.Type{types.StringT, types.StringT}})
	s.Register("trimr", trimBuiltin(true), Sig{IO: ins(2), Params: []*types.Type{types.StringT, types.StringT}})
	s.Register("split", splitBuiltin, Sig{IO: ins(2), Params: []*types.Type{types.StringT, types.StringT}})
	s.Register(".", dotBuiltin, Sig{IO: ins(2), Params: []*types.Type{nil, types.StringT}})

	// output
	s.Register("writeLine", writeBuiltin("\n"), Sig{IO: ins(2), Params: []*types.Type{types.StringT}})
	s.Register("writeString", writeBuiltin(""), Sig{IO: ins(2), Params: []*types.Type{types.StringT}})
	s.Register("getstdout", capturedBuiltin(false), Sig{IO: ios(msi.Output)})
	s.Register("getstderr", capturedBuiltin(true), Sig{IO: ios(msi.Output)})

	// introspection
	s.Register("listcorerules", rulesBuiltin(true), Sig{})
	s.Register("listapprules", rulesBuiltin(false), Sig{})
	s.Register("listvars", listvarsBuiltin, Sig{})
	s.Register("arity", arityBuiltin, Sig{IO: ins(1), Params: []*types.Type{types.StringT}})
}

func strBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.String(args[0].String()), nil
}

// intBuiltin truncates doubles instead of rejecting fractions.
func intBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	if v := args[0]; v.Kind == value.KindDouble {
		return value.Int(int64(v.D)), nil
	}
	return value.Coerce(args[0], types.IntT, nil)
}

func coerceTo(t *types.Type) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		return value.Coerce(args[0], t, nil)
	}
}

func datetimeBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	v := args[0]
	if v.Kind != value.KindString {
		return value.Coerce(v, types.DatetimeT, nil)
	}
	if secs, err := cast.ToInt64E(v.S); err == nil {
		return value.Datetime(time.Unix(secs, 0)), nil
	}
	t, err := time.ParseInLocation(msi.HumanTimeFormat, v.S, time.Local)
	if err != nil {
		return value.Value{}, &rerr.Error{Code: rerr.DynamicCoercionError, Msg: "cannot read " + v.S + " as a time", Pos: pos, Err: err}
	}
	return value.Datetime(t), nil
}

func timeBuiltin(context.Context, *Evaluator, []value.Value, []*ast.Node, *env.Env, ast.Pos) (value.Value, error) {
	return value.Datetime(time.Now()), nil
}

func timestrBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.String(args[0].Time().Format(msi.HumanTimeFormat)), nil
}

func timestrfBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.String(strftime.Format(args[1].S, args[0].Time())), nil
}

func datetimefBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	t, err := strftime.Parse(args[1].S, args[0].S)
	if err != nil {
		return value.Value{}, &rerr.Error{Code: rerr.DynamicCoercionError, Msg: "cannot read " + args[0].S + " with format " + args[1].S, Pos: pos, Err: err}
	}
	return value.Datetime(t), nil
}

func typeBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.String(args[0].Type().String()), nil
}

func listBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.List(append([]value.Value(nil), args...)...), nil
}

func tupleBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.Tuple(append([]value.Value(nil), args...)...), nil
}

// items returns the components of a list or tuple.
func items(v value.Value, fn string, pos ast.Pos) ([]value.Value, error) {
	if v.IsList() || v.Kind == value.KindTuple {
		return v.Elems, nil
	}
	return nil, rerr.At(pos, rerr.DynamicTypeError, "%s expects a list, got %s", fn, v.Kind)
}

func index(elems []value.Value, i int64, pos ast.Pos) (int, error) {
	if i < 0 || i >= int64(len(elems)) {
		return 0, rerr.At(pos, rerr.RuntimeError, "index %d out of range [0, %d)", i, len(elems))
	}
	return int(i), nil
}

func elemBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	elems, err := items(args[0], "elem", pos)
	if err != nil {
		return value.Value{}, err
	}
	i, err := index(elems, args[1].I, pos)
	if err != nil {
		return value.Value{}, err
	}
	return elems[i], nil
}

func setelemBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	elems, err := items(args[0], "setelem", pos)
	if err != nil {
		return value.Value{}, err
	}
	i, err := index(elems, args[1].I, pos)
	if err != nil {
		return value.Value{}, err
	}
	out := append([]value.Value(nil), elems...)
	out[i] = args[2]
	res := args[0]
	res.Elems = out
	return res, nil
}

func hdBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	if !args[0].IsList() {
		return value.Value{}, rerr.At(pos, rerr.DynamicTypeError, "hd expects a list, got %s", args[0].Kind)
	}
	if len(args[0].Elems) == 0 {
		return value.Value{}, rerr.At(pos, rerr.RuntimeError, "hd of an empty list")
	}
	return args[0].Elems[0], nil
}

func tlBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	if !args[0].IsList() {
		return value.Value{}, rerr.At(pos, rerr.DynamicTypeError, "tl expects a list, got %s", args[0].Kind)
	}
	if len(args[0].Elems) == 0 {
		return value.Value{}, rerr.At(pos, rerr.RuntimeError, "tl of an empty list")
	}
	return value.List(args[0].Elems[1:]...), nil
}

func consBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	if !args[1].IsList() {
		return value.Value{}, rerr.At(pos, rerr.DynamicTypeError, "cons expects a list, got %s", args[1].Kind)
	}
	out := make([]value.Value, 0, len(args[1].Elems)+1)
	out = append(out, args[0])
	return value.List(append(out, args[1].Elems...)...), nil
}

func sizeBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	if kv, ok := args[0].AsKeyValPair(); ok {
		return value.Int(int64(kv.Len())), nil
	}
	elems, err := items(args[0], "size", pos)
	if err != nil {
		return value.Value{}, err
	}
	return value.Int(int64(len(elems))), nil
}

func strlenBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.Int(int64(utf8.RuneCountInString(args[0].S))), nil
}

func substrBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	r := []rune(args[0].S)
	from, to := args[1].I, args[2].I
	if from < 0 || to < from || to > int64(len(r)) {
		return value.Value{}, rerr.At(pos, rerr.RuntimeError, "substr bounds [%d, %d) outside a string of length %d", from, to, len(r))
	}
	return value.String(string(r[from:to])), nil
}

// trimBuiltin drops everything up to and including the first occurrence of
// the separator (triml) or from the last occurrence on (trimr).
func trimBuiltin(right bool) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		s, sep := args[0].S, args[1].S
		if right {
			if i := strings.LastIndex(s, sep); i >= 0 {
				return value.String(s[:i]), nil
			}
			return value.String(s), nil
		}
		if i := strings.Index(s, sep); i >= 0 {
			return value.String(s[i+len(sep):]), nil
		}
		return value.String(s), nil
	}
}

// splitBuiltin splits on any of the separator characters and drops empty
// fields.
func splitBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	fields := strings.FieldsFunc(args[0].S, func(r rune) bool { return strings.ContainsRune(args[1].S, r) })
	out := make([]value.Value, len(fields))
	for i, f := range fields {
		out[i] = value.String(f)
	}
	return value.List(out...), nil
}

func dotBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	kv, ok := args[0].AsKeyValPair()
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.DynamicTypeError, "%s is not a key/value pair", args[0].Kind)
	}
	v, ok := kv.Get(args[1].S)
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.UnableToReadVar, "no key %s", args[1].S)
	}
	return value.String(v), nil
}

// writeBuiltin writes to the captured stdout or stderr, or to the server log.
func writeBuiltin(suffix string) Builtin {
	return func(ctx context.Context, e *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
		text := args[1].String()
		switch args[0].S {
		case "stdout":
			e.Stdout.WriteString(text + suffix)
		case "stderr":
			e.Stderr.WriteString(text + suffix)
		case "serverLog":
			e.logger.InfoContext(ctx, text, "source", "rule")
		default:
			return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "unknown output target %s", args[0].S)
		}
		return value.Int(0), nil
	}
}

func capturedBuiltin(stderr bool) Builtin {
	return func(_ context.Context, e *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		if stderr {
			args[0] = value.String(e.Stderr.String())
		} else {
			args[0] = value.String(e.Stdout.String())
		}
		return value.Int(0), nil
	}
}

func rulesBuiltin(core bool) Builtin {
	return func(_ context.Context, e *Evaluator, _ []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		idx := e.rc.App
		if core {
			idx = e.rc.Core
		}
		names := idx.Names()
		out := make([]value.Value, len(names))
		for i, n := range names {
			out[i] = value.String(n)
		}
		return value.List(out...), nil
	}
}

func listvarsBuiltin(_ context.Context, _ *Evaluator, _ []value.Value, _ []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	keys := en.Keys()
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.String(k)
	}
	return value.List(out...), nil
}

func arityBuiltin(_ context.Context, e *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	desc, ok := e.rc.Lookup(args[0].S)
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.NoRuleOrMsiFunctionFound, "no function, rule or microservice named %s", args[0].S)
	}
	return value.Int(int64(desc.Arity)), nil
}
