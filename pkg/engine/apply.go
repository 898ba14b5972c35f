package engine

import (
	"context"
	"errors"
	"time"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/metrics"
	"nre/pkg/msi"
	"nre/pkg/rerr"
	"nre/pkg/types"
	"nre/pkg/value"
)

func (e *Evaluator) evalApplication(ctx context.Context, n *ast.Node, en *env.Env, applyAll bool) (value.Value, error) {
	head := n.Children[0]
	if head.Kind == ast.TkText {
		return e.applyNamed(ctx, head.Text, n.Args(), en, n.Pos, applyAll)
	}
	fn, err := e.Evaluate(ctx, head, en)
	if err != nil {
		return value.Value{}, err
	}
	args := make([]value.Value, len(n.Args()))
	for i, a := range n.Args() {
		if args[i], err = e.Evaluate(ctx, a, en); err != nil {
			return value.Value{}, err
		}
	}
	return e.applyValue(ctx, fn, args, en, n.Pos)
}

func (e *Evaluator) applyNamed(ctx context.Context, name string, argNodes []*ast.Node, en *env.Env, pos ast.Pos, applyAll bool) (value.Value, error) {
	desc, ok := e.rc.Lookup(e.rc.Canonical(name))
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.NoRuleOrMsiFunctionFound, "no function, rule or microservice named %s", name)
	}
	if desc.Kind != RuleFunc && !arityOK(desc, len(argNodes)) {
		return value.Value{}, rerr.At(pos, rerr.ActionArgCountMismatch,
			"%s takes %d arguments, %d supplied", name, desc.Arity, len(argNodes))
	}
	return e.apply(ctx, desc, argNodes, en, pos, applyAll)
}

func arityOK(d *FunctionDesc, n int) bool {
	if d.Variadic {
		return n >= d.Arity
	}
	return n == d.Arity
}

// apply marshals the argument nodes according to the descriptor's IO types,
// invokes it and writes output arguments back to their variables.
func (e *Evaluator) apply(ctx context.Context, desc *FunctionDesc, argNodes []*ast.Node, en *env.Env, pos ast.Pos, applyAll bool) (value.Value, error) {
	args, bound, err := e.marshalArgs(ctx, desc, argNodes, en)
	if err != nil {
		return value.Value{}, err
	}
	before := make([]value.Value, len(args))
	copy(before, args)

	res, err := e.invoke(ctx, desc, args, argNodes, en, pos, applyAll)
	if err != nil {
		return value.Value{}, err
	}

	for i, an := range argNodes {
		if !an.IsVariable() {
			continue
		}
		switch desc.ioAt(i) {
		case msi.Output:
		case msi.InputOutput, msi.Dynamic:
			if bound[i] && value.Equal(before[i], args[i]) {
				continue
			}
			if !bound[i] && args[i].Kind == value.KindUnspeced {
				continue
			}
		default:
			continue
		}
		if err := e.setVar(an, args[i], en); err != nil {
			return value.Value{}, err
		}
	}
	return res, nil
}

// marshalArgs evaluates or reads each argument per its IO type. bound[i]
// reports whether a variable argument already had a value.
func (e *Evaluator) marshalArgs(ctx context.Context, desc *FunctionDesc, argNodes []*ast.Node, en *env.Env) ([]value.Value, []bool, error) {
	args := make([]value.Value, len(argNodes))
	bound := make([]bool, len(argNodes))
	for i, an := range argNodes {
		switch desc.ioAt(i) {
		case msi.Expression, msi.Actions:
			args[i] = value.Unspeced()
		case msi.Output:
			args[i] = value.Unspeced()
		case msi.InputOutput:
			if !an.IsVariable() {
				return nil, nil, rerr.At(an.Pos, rerr.UnsupportedOpOrType,
					"argument %d of %s must be a variable", i+1, desc.Name)
			}
			v, err := e.readVar(an, en)
			if err != nil {
				return nil, nil, err
			}
			args[i], bound[i] = v, true
		case msi.Dynamic:
			if an.IsVariable() {
				v, ok, err := e.peekVar(an, en)
				if err != nil {
					return nil, nil, err
				}
				args[i], bound[i] = v, ok
				if !ok {
					args[i] = value.Unspeced()
				}
				continue
			}
			v, err := e.Evaluate(ctx, an, en)
			if err != nil {
				return nil, nil, err
			}
			args[i] = v
		default:
			v, err := e.Evaluate(ctx, an, en)
			if err != nil {
				return nil, nil, err
			}
			args[i] = v
		}
	}
	if err := coerceArgs(desc, args, argNodes); err != nil {
		return nil, nil, err
	}
	return args, bound, nil
}

// peekVar reads a variable that may legitimately be unset.
func (e *Evaluator) peekVar(n *ast.Node, en *env.Env) (value.Value, bool, error) {
	if n.Text[0] == '$' {
		v, err := e.readSession(n)
		return v, err == nil, nil
	}
	v, ok := en.Lookup(n.Text)
	return v, ok, nil
}

// coerceArgs converts input arguments to the declared parameter types. Type
// variables shared by several parameters are bound first to the widest
// disjunct any argument already has, so int and double operands meet at
// double.
func coerceArgs(desc *FunctionDesc, args []value.Value, nodes []*ast.Node) error {
	if len(desc.Params) == 0 {
		return nil
	}
	b := types.Bindings{}
	for i := range args {
		t := desc.paramAt(i)
		if t == nil || t.Target().Kind != types.Var || !isInput(desc.ioAt(i)) {
			continue
		}
		v := t.Target()
		ds := v.Disjuncts()
		vt := args[i].Type()
		for j := len(ds) - 1; j >= 0; j-- {
			if !types.EqualSyntactic(ds[j], vt) {
				continue
			}
			if cur, ok := b[v.VarID]; !ok || indexOf(ds, cur) < j {
				b[v.VarID] = ds[j]
			}
			break
		}
	}
	for i := range args {
		t := desc.paramAt(i)
		if t == nil || !isInput(desc.ioAt(i)) {
			continue
		}
		c, err := value.Coerce(args[i], t, b)
		if err != nil {
			return at(nodes[i].Pos, err)
		}
		args[i] = c
	}
	return nil
}

func isInput(io msi.IOType) bool { return io == msi.Input || io == msi.InputOutput }

func indexOf(ts []*types.Type, t *types.Type) int {
	for i, x := range ts {
		if types.EqualSyntactic(x, t) {
			return i
		}
	}
	return -1
}

func (e *Evaluator) invoke(ctx context.Context, desc *FunctionDesc, args []value.Value, argNodes []*ast.Node, en *env.Env, pos ast.Pos, applyAll bool) (value.Value, error) {
	switch desc.Kind {
	case SystemFunc:
		v, err := desc.Fn(ctx, e, args, argNodes, en, pos)
		return v, at(pos, err)
	case RuleFunc:
		return e.execRule(ctx, desc.Name, args, applyAll, en, pos)
	case ConstructorFunc:
		return value.Cons(desc.Name, args...), nil
	case ExternalFunc:
		return e.execMicroService(ctx, desc, args, en, pos)
	}
	return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "cannot apply %s", desc.Name)
}

// applyValue applies a function reference or a partial application to
// already evaluated arguments. Arguments accumulate until the remaining arity
// reaches zero.
func (e *Evaluator) applyValue(ctx context.Context, fn value.Value, args []value.Value, en *env.Env, pos ast.Pos) (value.Value, error) {
	if !fn.IsCallable() {
		return value.Value{}, rerr.At(pos, rerr.DynamicTypeError, "%s value is not a function", fn.Kind)
	}
	used := 0
	for _, a := range args {
		if fn.Arity <= 0 {
			break
		}
		fn = value.Partial(fn, a)
		used++
	}
	if used < len(args) {
		return value.Value{}, rerr.At(pos, rerr.ActionArgCountMismatch, "too many arguments for %s", fn.S)
	}
	if fn.Arity > 0 {
		return fn, nil
	}
	var all []value.Value
	if fn.Kind == value.KindPartial {
		all = fn.Elems
	}
	desc, ok := e.rc.Lookup(fn.S)
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.NoRuleOrMsiFunctionFound, "no function, rule or microservice named %s", fn.S)
	}
	for i := range all {
		if io := desc.ioAt(i); io == msi.Expression || io == msi.Actions {
			return value.Value{}, rerr.At(pos, rerr.UnsupportedOpOrType, "%s cannot be applied as a value", fn.S)
		}
	}
	args = append([]value.Value(nil), all...)
	nodes := make([]*ast.Node, len(args))
	for i := range nodes {
		nodes[i] = ast.NewTuple(pos)
	}
	if err := coerceArgs(desc, args, nodes); err != nil {
		return value.Value{}, err
	}
	return e.invoke(ctx, desc, args, nodes, en, pos, false)
}

// execAction runs a named action: rules first, then microservices.
func (e *Evaluator) execAction(ctx context.Context, name string, args []value.Value, en *env.Env, pos ast.Pos) (value.Value, error) {
	res, err := e.execRule(ctx, name, args, false, en, pos)
	if !rerr.Is(err, rerr.NoRuleFound) {
		return res, err
	}
	entry, ok := e.rc.MSI.Lookup(e.rc.Canonical(name))
	if !ok {
		return value.Value{}, rerr.At(pos, rerr.NoRuleOrMsiFunctionFound, "no rule or microservice named %s", name)
	}
	desc := &FunctionDesc{Name: entry.Name, Kind: ExternalFunc, Arity: entry.Arity(), IO: entry.IO(), Entry: entry}
	return e.execMicroService(ctx, desc, args, en, pos)
}

// execMicroService calls a registered microservice. Output arguments are
// written into args; a negative status becomes an error with that code.
func (e *Evaluator) execMicroService(ctx context.Context, desc *FunctionDesc, args []value.Value, en *env.Env, pos ast.Pos) (res value.Value, err error) {
	if len(args) != desc.Arity {
		return value.Value{}, rerr.At(pos, rerr.ActionArgCountMismatch,
			"microservice %s takes %d arguments, %d supplied", desc.Name, desc.Arity, len(args))
	}
	start := time.Now()
	defer func() {
		metrics.MsiCalls.WithLabelValues(desc.Name, metrics.Result(err)).Inc()
		e.logger.DebugContext(ctx, "microservice call", "name", desc.Name, "duration", time.Since(start), "error", err)
	}()

	call := &msi.Call{
		Name:   desc.Name,
		Args:   args,
		Exec:   e.exec,
		Locals: en.Snapshot(),
		Logger: e.logger,
		DB:     e.rc.DB,
	}
	status, err := desc.Entry.Fn(ctx, call)
	if err != nil {
		var re *rerr.Error
		if errors.As(err, &re) {
			return value.Value{}, at(pos, err)
		}
		return value.Value{}, &rerr.Error{Code: rerr.RuntimeError, Msg: "microservice " + desc.Name + " failed", Pos: pos, Err: err}
	}
	if status < 0 {
		return value.Value{}, rerr.At(pos, rerr.Code(status), "microservice %s returned status %d", desc.Name, status)
	}
	return value.Int(int64(status)), nil
}
