package engine

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/msi"
	"nre/pkg/rerr"
	"nre/pkg/types"
	"nre/pkg/value"
)

// RegisterBuiltins installs the standard system functions into s.
func RegisterBuiltins(s *SysTable) {
	registerControl(s)
	registerOps(s)
	registerData(s)
}

func registerControl(s *SysTable) {
	s.Register("if", ifBuiltin, Sig{
		Description: "if (cond) {then} else {else}",
		IO:          ios(msi.Input, msi.Actions, msi.Actions),
		Params:      []*types.Type{types.BoolT},
	})
	s.Register("if2", ifBuiltin, Sig{
		Description: "expression if",
		IO:          ios(msi.Input, msi.Expression, msi.Expression),
		Params:      []*types.Type{types.BoolT},
	})
	s.Register("while", whileBuiltin, Sig{IO: ios(msi.Expression, msi.Actions)})
	s.Register("foreach", foreachBuiltin, Sig{IO: ios(msi.Expression, msi.Input, msi.Actions)})
	s.Register("for", forBuiltin, Sig{IO: ios(msi.Expression, msi.Expression, msi.Expression, msi.Actions)})
	s.Register("break", constBuiltin(value.Break()), Sig{Description: "leave the innermost loop"})
	s.Register("succeed", constBuiltin(value.Success()), Sig{Description: "finish the rule successfully"})
	s.Register("nop", constBuiltin(value.Int(0)), Sig{})
	s.Register("cut", constBuiltin(value.Int(0)), Sig{Description: "commit to the current rule"})
	s.Register("fail", failBuiltin, Sig{Description: "fail([code])", Variadic: true})
	s.Register("failmsg", failmsgBuiltin, Sig{
		IO:     ins(2),
		Params: []*types.Type{types.IntT, types.StringT},
	})
	s.Register("assign", assignBuiltin, Sig{IO: ios(msi.Expression, msi.Input)})
	s.Register("=", assignBuiltin, Sig{IO: ios(msi.Expression, msi.Input)})
	s.Register("let", letBuiltin, Sig{IO: ios(msi.Expression, msi.Input, msi.Expression)})
	s.Register("match", matchBuiltin, Sig{IO: ios(msi.Input, msi.Expression), Variadic: true})
	s.Register("applyAllRules", applyAllBuiltin, Sig{
		IO:     ios(msi.Expression, msi.Input, msi.Input),
		Params: []*types.Type{nil, types.IntT, types.IntT},
	})
	s.Register("errorcode", errorcodeBuiltin, Sig{IO: ios(msi.Expression)})
	s.Register("errormsg", errormsgBuiltin, Sig{IO: ios(msi.Expression, msi.Output)})
	s.Register("delayExec", delayExecBuiltin, Sig{
		IO:     ios(msi.Input, msi.Actions, msi.Actions),
		Params: []*types.Type{types.StringT},
	})
	s.Register("remoteExec", remoteExecBuiltin, Sig{IO: ios(msi.Input, msi.Input, msi.Actions, msi.Actions)})
}

func constBuiltin(v value.Value) Builtin {
	return func(context.Context, *Evaluator, []value.Value, []*ast.Node, *env.Env, ast.Pos) (value.Value, error) {
		return v, nil
	}
}

func ifBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	if args[0].AsBool() {
		return e.Evaluate(ctx, nodes[1], en)
	}
	return e.Evaluate(ctx, nodes[2], en)
}

// cond evaluates a loop condition to a boolean.
func (e *Evaluator) cond(ctx context.Context, n *ast.Node, en *env.Env) (bool, error) {
	v, err := e.Evaluate(ctx, n, en)
	if err != nil {
		return false, err
	}
	b, err := value.Coerce(v, types.BoolT, nil)
	if err != nil {
		return false, at(n.Pos, err)
	}
	return b.AsBool(), nil
}

// loopBody runs one iteration. stop reports a break; a Success value is
// handed back so it can leave the rule.
func (e *Evaluator) loopBody(ctx context.Context, body *ast.Node, en *env.Env) (stop bool, res value.Value, err error) {
	if err := ctx.Err(); err != nil {
		return true, value.Value{}, &rerr.Error{Code: rerr.RuntimeError, Msg: "evaluation cancelled", Pos: body.Pos, Err: err}
	}
	v, err := e.Evaluate(ctx, body, en)
	if err != nil {
		return true, value.Value{}, err
	}
	switch v.Kind {
	case value.KindBreak:
		return true, value.Int(0), nil
	case value.KindSuccess:
		return true, v, nil
	}
	return false, value.Int(0), nil
}

func whileBuiltin(ctx context.Context, e *Evaluator, _ []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	for {
		ok, err := e.cond(ctx, nodes[0], en)
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			return value.Int(0), nil
		}
		stop, res, err := e.loopBody(ctx, nodes[1], en)
		if stop || err != nil {
			return res, err
		}
	}
}

func forBuiltin(ctx context.Context, e *Evaluator, _ []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	if _, err := e.Evaluate(ctx, nodes[0], en); err != nil {
		return value.Value{}, err
	}
	for {
		ok, err := e.cond(ctx, nodes[1], en)
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			return value.Int(0), nil
		}
		stop, res, err := e.loopBody(ctx, nodes[3], en)
		if stop || err != nil {
			return res, err
		}
		if _, err := e.Evaluate(ctx, nodes[2], en); err != nil {
			return value.Value{}, err
		}
	}
}

// foreachBuiltin binds the loop variable to each element in turn. When the
// loop variable is also the collection, it holds the collection again after
// the loop.
func foreachBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, pos ast.Pos) (value.Value, error) {
	coll := args[1]
	items, err := elements(coll)
	if err != nil {
		return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "foreach over %s: %v", coll.Kind, err)
	}
	res := value.Int(0)
	for _, it := range items {
		if err := e.matchPattern(ctx, nodes[0], it, en, true); err != nil {
			return value.Value{}, err
		}
		stop, r, err := e.loopBody(ctx, nodes[2], en)
		if err != nil {
			return value.Value{}, err
		}
		if stop {
			res = r
			break
		}
	}
	if ast.Equal(nodes[0], nodes[1]) {
		if err := e.setVar(nodes[0], coll, en); err != nil {
			return value.Value{}, err
		}
	}
	return res, nil
}

// elements lists what foreach iterates over.
func elements(v value.Value) ([]value.Value, error) {
	switch v.Kind {
	case value.KindCons:
		if v.IsList() {
			return v.Elems, nil
		}
	case value.KindTuple:
		return v.Elems, nil
	case value.KindOpaque:
		if kv, ok := v.AsKeyValPair(); ok {
			out := make([]value.Value, len(kv.Keys))
			for i, k := range kv.Keys {
				out[i] = value.String(k)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("not a collection")
}

func failBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	code := rerr.FailActionEncountered
	if len(args) > 0 {
		c, err := cast.ToIntE(args[0].Native())
		if err != nil {
			return value.Value{}, rerr.At(pos, rerr.DynamicCoercionError, "fail code %s is not an integer", args[0])
		}
		code = rerr.Code(c)
	}
	return value.Value{}, rerr.At(pos, code, "fail action encountered")
}

func failmsgBuiltin(_ context.Context, _ *Evaluator, args []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	return value.Value{}, rerr.At(pos, rerr.Code(args[0].I), "%s", args[1].S)
}

func assignBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	if err := e.matchPattern(ctx, nodes[0], args[1], en, true); err != nil {
		return value.Value{}, err
	}
	return value.Int(0), nil
}

// scoped runs fn in a fresh scope nested in en, allocated in a child region
// that dies with the scope.
func (e *Evaluator) scoped(en *env.Env, fn func(*env.Env) (value.Value, error)) (value.Value, error) {
	child := e.region.Child()
	defer child.Free()
	return fn(env.NewInRegion(child, en, en.Lower()))
}

func letBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	return e.scoped(en, func(scope *env.Env) (value.Value, error) {
		if err := e.matchPattern(ctx, nodes[0], args[1], scope, false); err != nil {
			return value.Value{}, err
		}
		return e.Evaluate(ctx, nodes[2], scope)
	})
}

func matchBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, pos ast.Pos) (value.Value, error) {
	subject := args[0]
	for _, c := range nodes[1:] {
		if c.Kind != ast.Tuple || len(c.Children) != 2 {
			return value.Value{}, rerr.At(c.Pos, rerr.UnsupportedOpOrType, "malformed match case")
		}
		child := e.region.Child()
		scope := env.NewInRegion(child, en, en.Lower())
		if err := e.matchPattern(ctx, c.Children[0], subject, scope, false); err != nil {
			child.Free()
			if rerr.Is(err, rerr.PatternNotMatched) {
				continue
			}
			return value.Value{}, err
		}
		res, err := e.Evaluate(ctx, c.Children[1], scope)
		child.Free()
		return res, err
	}
	return value.Value{}, rerr.At(pos, rerr.PatternNotMatched, "no case matches %s", describe(subject))
}

func applyAllBuiltin(ctx context.Context, e *Evaluator, _ []value.Value, nodes []*ast.Node, en *env.Env, pos ast.Pos) (value.Value, error) {
	act := nodes[0]
	if act.Kind != ast.Application {
		return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "applyAllRules expects an action call")
	}
	return e.evalApplication(ctx, act, en, true)
}

func errorcodeBuiltin(ctx context.Context, e *Evaluator, _ []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	_, err := e.Evaluate(ctx, nodes[0], en)
	return value.Int(int64(rerr.CodeOf(err))), nil
}

func errormsgBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, _ ast.Pos) (value.Value, error) {
	_, err := e.Evaluate(ctx, nodes[0], en)
	if err == nil {
		args[1] = value.String("")
		return value.Int(0), nil
	}
	args[1] = value.String(err.Error())
	return value.Int(int64(rerr.CodeOf(err))), nil
}

// delayExecBuiltin queues the actions together with a copy of the current
// locals.
func delayExecBuiltin(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, pos ast.Pos) (value.Value, error) {
	if e.rc.Queue == nil {
		return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "delayed execution is not configured")
	}
	locals := map[string]interface{}{}
	for k, v := range en.Snapshot() {
		if v.Kind == value.KindOpaque {
			if _, ok := v.AsKeyValPair(); !ok {
				continue
			}
		}
		locals[k] = v.Native()
	}
	job := DelayedJob{
		Hints:    args[0].S,
		Actions:  source(nodes[1]),
		Recovery: source(nodes[2]),
		Locals:   locals,
		RuleBase: e.rc.RuleBase,
	}
	if err := e.rc.Queue.Push(ctx, job); err != nil {
		return value.Value{}, &rerr.Error{Code: rerr.RuntimeError, Msg: "queue delayed execution", Pos: pos, Err: err}
	}
	e.logger.InfoContext(ctx, "delayed execution queued", "hints", job.Hints)
	return value.Int(0), nil
}

// source returns the rule-language text of an action argument. A string
// literal already is source text.
func source(n *ast.Node) string {
	if n.Kind == ast.TkString {
		return n.Text
	}
	return n.String()
}

func remoteExecBuiltin(_ context.Context, _ *Evaluator, _ []value.Value, _ []*ast.Node, _ *env.Env, pos ast.Pos) (value.Value, error) {
	return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "remoteExec is not supported")
}
