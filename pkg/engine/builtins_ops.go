package engine

import (
	"context"
	"math"
	"regexp"
	"strings"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/msi"
	"nre/pkg/rerr"
	"nre/pkg/types"
	"nre/pkg/value"
)

// numVar is the operand type of the numeric builtins: integer unless one
// operand is a double.
var numVar = types.NewVar(0, types.IntT, types.DoubleT)

func registerOps(s *SysTable) {
	for _, op := range []string{"+", "-", "*", "/", "%", "^"} {
		s.Register(op, arith(op), Sig{IO: ins(2)})
	}
	s.Register("neg", negBuiltin, Sig{IO: ins(1), Params: []*types.Type{numVar}})
	s.Register("abs", absBuiltin, Sig{IO: ins(1), Params: []*types.Type{numVar}})
	s.Register("floor", mathFunc(math.Floor), Sig{IO: ins(1), Params: []*types.Type{types.DoubleT}})
	s.Register("ceiling", mathFunc(math.Ceil), Sig{IO: ins(1), Params: []*types.Type{types.DoubleT}})
	s.Register("log", mathFunc(math.Log), Sig{IO: ins(1), Params: []*types.Type{types.DoubleT}})
	s.Register("exp", mathFunc(math.Exp), Sig{IO: ins(1), Params: []*types.Type{types.DoubleT}})
	s.Register("max", extremum(1), Sig{IO: ins(1), Params: []*types.Type{numVar}, Variadic: true})
	s.Register("min", extremum(-1), Sig{IO: ins(1), Params: []*types.Type{numVar}, Variadic: true})
	s.Register("average", averageBuiltin, Sig{IO: ins(1), Params: []*types.Type{types.DoubleT}, Variadic: true})

	for _, op := range []string{"==", "!=", "<", ">", "<=", ">="} {
		s.Register(op, comparison(op), Sig{IO: ins(2)})
	}
	s.Register("&&", logic(false), Sig{IO: ios(msi.Input, msi.Expression), Params: []*types.Type{types.BoolT}})
	s.Register("||", logic(true), Sig{IO: ios(msi.Input, msi.Expression), Params: []*types.Type{types.BoolT}})
	s.Register("!", notBuiltin, Sig{IO: ins(1), Params: []*types.Type{types.BoolT}})

	strs := []*types.Type{types.StringT, types.StringT}
	s.Register("++", concatBuiltin, Sig{IO: ins(2), Params: strs})
	s.Register("like", like(false, false), Sig{IO: ins(2), Params: strs})
	s.Register("not like", like(false, true), Sig{IO: ins(2), Params: strs})
	s.Register("like regex", like(true, false), Sig{IO: ins(2), Params: strs})
	s.Register("not like regex", like(true, true), Sig{IO: ins(2), Params: strs})
}

// toNumber converts an operand for arithmetic. Strings must spell a number.
func toNumber(v value.Value) (value.Value, error) {
	switch v.Kind {
	case value.KindInt, value.KindDouble:
		return v, nil
	case value.KindString:
		if i, err := value.Coerce(v, types.IntT, nil); err == nil {
			return i, nil
		}
		return value.Coerce(v, types.DoubleT, nil)
	case value.KindBool:
		return value.Coerce(v, types.IntT, nil)
	}
	return value.Value{}, rerr.New(rerr.DynamicCoercionError, "coerce from type %s to a number", v.Kind)
}

func numeric(a, b value.Value) (value.Value, value.Value, error) {
	x, err := toNumber(a)
	if err != nil {
		return x, x, err
	}
	y, err := toNumber(b)
	return x, y, err
}

func bothInt(x, y value.Value) bool { return x.Kind == value.KindInt && y.Kind == value.KindInt }

func arith(op string) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
		x, y, err := numeric(args[0], args[1])
		if err != nil {
			return value.Value{}, err
		}
		switch op {
		case "/":
			if y.Float() == 0 {
				return value.Value{}, rerr.At(pos, rerr.DivisionByZero, "division by zero")
			}
			return value.Double(x.Float() / y.Float()), nil
		case "^":
			return value.Double(math.Pow(x.Float(), y.Float())), nil
		case "%":
			if y.Float() == 0 {
				return value.Value{}, rerr.At(pos, rerr.DivisionByZero, "modulo by zero")
			}
			if bothInt(x, y) {
				return value.Int(x.I % y.I), nil
			}
			return value.Double(math.Mod(x.Float(), y.Float())), nil
		}
		if bothInt(x, y) {
			switch op {
			case "+":
				return value.Int(x.I + y.I), nil
			case "-":
				return value.Int(x.I - y.I), nil
			default:
				return value.Int(x.I * y.I), nil
			}
		}
		switch op {
		case "+":
			return value.Double(x.Float() + y.Float()), nil
		case "-":
			return value.Double(x.Float() - y.Float()), nil
		}
		return value.Double(x.Float() * y.Float()), nil
	}
}

func negBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	if v := args[0]; v.Kind == value.KindInt {
		return value.Int(-v.I), nil
	}
	return value.Double(-args[0].D), nil
}

func absBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	if v := args[0]; v.Kind == value.KindInt {
		if v.I < 0 {
			return value.Int(-v.I), nil
		}
		return v, nil
	}
	return value.Double(math.Abs(args[0].D)), nil
}

func mathFunc(fn func(float64) float64) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		return value.Double(fn(args[0].D)), nil
	}
}

// extremum picks the largest (sign 1) or smallest (sign -1) argument.
func extremum(sign float64) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		best := args[0]
		for _, a := range args[1:] {
			if (a.Float()-best.Float())*sign > 0 {
				best = a
			}
		}
		return best, nil
	}
}

func averageBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	sum := 0.0
	for _, a := range args {
		sum += a.D
	}
	return value.Double(sum / float64(len(args))), nil
}

func isText(v value.Value) bool { return v.Kind == value.KindString || v.Kind == value.KindPath }

func isScalar(v value.Value) bool {
	switch v.Kind {
	case value.KindInt, value.KindDouble, value.KindString, value.KindPath, value.KindBool, value.KindDatetime:
		return true
	}
	return false
}

// compare orders two operands. Two strings compare lexicographically, two
// times or booleans by their payload, anything else numerically.
func compare(a, b value.Value) (int, error) {
	switch {
	case isText(a) && isText(b):
		return strings.Compare(a.S, b.S), nil
	case a.Kind == b.Kind && (a.Kind == value.KindDatetime || a.Kind == value.KindBool):
		return cmpInt(a.I, b.I), nil
	}
	x, y, err := numeric(a, b)
	if err != nil {
		return 0, err
	}
	if bothInt(x, y) {
		return cmpInt(x.I, y.I), nil
	}
	switch xf, yf := x.Float(), y.Float(); {
	case xf < yf:
		return -1, nil
	case xf > yf:
		return 1, nil
	}
	return 0, nil
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func comparison(op string) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
		a, b := args[0], args[1]
		if (op == "==" || op == "!=") && !(isScalar(a) && isScalar(b)) {
			return value.Bool(value.Equal(a, b) == (op == "==")), nil
		}
		c, err := compare(a, b)
		if err != nil {
			return value.Value{}, err
		}
		switch op {
		case "==":
			return value.Bool(c == 0), nil
		case "!=":
			return value.Bool(c != 0), nil
		case "<":
			return value.Bool(c < 0), nil
		case ">":
			return value.Bool(c > 0), nil
		case "<=":
			return value.Bool(c <= 0), nil
		}
		return value.Bool(c >= 0), nil
	}
}

// logic evaluates the right operand only when the left one does not decide
// the result.
func logic(or bool) Builtin {
	return func(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
		if args[0].AsBool() == or {
			return value.Bool(or), nil
		}
		r, err := e.cond(ctx, nodes[1], en)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(r), nil
	}
}

func notBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.Bool(!args[0].AsBool()), nil
}

func concatBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, _ ast.Pos) (value.Value, error) {
	return value.String(args[0].S + args[1].S), nil
}

// like matches a wildcard pattern where * stands for any run of characters,
// or a full regular expression when regex is set.
func like(regex, negate bool) Builtin {
	return func(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
		pat := args[1].S
		if !regex {
			pat = strings.ReplaceAll(regexp.QuoteMeta(pat), `\*`, ".*")
		}
		re, err := regexp.Compile("^(?:" + pat + ")$")
		if err != nil {
			return value.Value{}, &rerr.Error{Code: rerr.InputArgNotWellFormed, Msg: "bad pattern " + args[1].S, Pos: pos, Err: err}
		}
		return value.Bool(re.MatchString(args[0].S) != negate), nil
	}
}
