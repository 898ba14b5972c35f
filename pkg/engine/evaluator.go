package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/region"
	"nre/pkg/rerr"
	"nre/pkg/value"
	"nre/pkg/varmap"
)

// Evaluator runs rule-language code against one RuleEngineContext. It holds
// the per-evaluation state: the root region, the global scope, the session
// context, the collected messages and the captured output.
//
// THREAD-SAFETY: an Evaluator belongs to one goroutine. Use one Evaluator per
// request; the RuleEngineContext itself may be shared.
type Evaluator struct {
	rc     *RuleEngineContext
	region *region.Region
	exec   *varmap.ExecInfo
	global *env.Env
	logger *slog.Logger
	depth  int

	Errors rerr.List
	Stdout bytes.Buffer
	Stderr bytes.Buffer
}

// NewEvaluator creates an evaluation bound to a session context, which may
// be nil when no $variables are used.
func (rc *RuleEngineContext) NewEvaluator(exec *varmap.ExecInfo) *Evaluator {
	var opts []region.Option
	if rc.RegionLimit > 0 {
		opts = append(opts, region.WithLimit(rc.RegionLimit))
	}
	return &Evaluator{
		rc:     rc,
		region: region.New(opts...),
		exec:   exec,
		global: env.New(nil, nil),
		logger: rc.Logger,
	}
}

// Close releases the evaluation's region.
func (e *Evaluator) Close() { e.region.Free() }

func (e *Evaluator) Context() *RuleEngineContext { return e.rc }
func (e *Evaluator) Global() *env.Env            { return e.global }
func (e *Evaluator) Exec() *varmap.ExecInfo      { return e.exec }

// Evaluate reduces a node to a value in scope en.
func (e *Evaluator) Evaluate(ctx context.Context, n *ast.Node, en *env.Env) (value.Value, error) {
	switch n.Kind {
	case ast.TkInt:
		i, err := strconv.ParseInt(n.Text, 10, 64)
		if err != nil {
			return value.Value{}, rerr.At(n.Pos, rerr.ParserError, "malformed integer %s", n.Text)
		}
		return value.Int(i), nil
	case ast.TkDouble:
		d, err := decimal.NewFromString(n.Text)
		if err != nil {
			return value.Value{}, rerr.At(n.Pos, rerr.ParserError, "malformed double %s", n.Text)
		}
		return value.Double(d.InexactFloat64()), nil
	case ast.TkString:
		return value.String(n.Text), nil
	case ast.TkBool:
		return value.Bool(n.Text == "true"), nil
	case ast.TkVar:
		return e.readVar(n, en)
	case ast.TkText:
		return e.evalText(ctx, n, en)
	case ast.Application:
		return e.evalApplication(ctx, n, en, false)
	case ast.Tuple:
		comps := make([]value.Value, len(n.Children))
		for i, c := range n.Children {
			v, err := e.Evaluate(ctx, c, en)
			if err != nil {
				return value.Value{}, err
			}
			comps[i] = v
		}
		if len(comps) == 1 && !n.ConstructTuple {
			return comps[0], nil
		}
		return value.Tuple(comps...), nil
	case ast.Actions:
		return e.evalActions(ctx, n, nil, en, false)
	case ast.ActionsRecovery:
		return e.evalActions(ctx, n.Children[0], n.Children[1], en, false)
	}
	return value.Value{}, rerr.At(n.Pos, rerr.UnsupportedASTNodeType, "unsupported node kind %s", n.Kind)
}

// RunActions evaluates an action block in the global scope.
func (e *Evaluator) RunActions(ctx context.Context, n *ast.Node) (value.Value, error) {
	v, err := e.Evaluate(ctx, n, e.global)
	e.Errors.AddErr(err)
	return v, err
}

func (e *Evaluator) readVar(n *ast.Node, en *env.Env) (value.Value, error) {
	name := n.Text
	if strings.HasPrefix(name, "$") {
		return e.readSession(n)
	}
	v, ok := en.Lookup(name)
	if !ok {
		return value.Value{}, rerr.At(n.Pos, rerr.UnableToReadLocalVar, "unable to read local variable %s", name)
	}
	return v, nil
}

func (e *Evaluator) readSession(n *ast.Node) (value.Value, error) {
	name := strings.TrimPrefix(n.Text, "$")
	sv, ok := e.rc.Vars.Resolve(name)
	if !ok || sv.Get == nil {
		return value.Value{}, rerr.At(n.Pos, rerr.UnableToReadSessionVar, "unable to read session variable %s", n.Text)
	}
	v, err := sv.Get(e.exec)
	if err != nil {
		return value.Value{}, &rerr.Error{Code: rerr.UnableToReadSessionVar, Msg: "unable to read session variable " + n.Text, Pos: n.Pos, Err: err}
	}
	if sv.Type != nil {
		if v, err = value.Coerce(v, sv.Type, nil); err != nil {
			return value.Value{}, at(n.Pos, err)
		}
	}
	return v, nil
}

// setVar writes a local or session variable.
func (e *Evaluator) setVar(n *ast.Node, v value.Value, en *env.Env) error {
	name := n.Text
	if strings.HasPrefix(name, "$") {
		return e.writeSession(n, v)
	}
	if en.Update(name, v) {
		return nil
	}
	if _, err := en.Insert(name, v); err != nil {
		return memErr(n.Pos, err, rerr.UnableToWriteLocalVar, "unable to write local variable "+name)
	}
	return nil
}

func (e *Evaluator) writeSession(n *ast.Node, v value.Value) error {
	name := strings.TrimPrefix(n.Text, "$")
	sv, ok := e.rc.Vars.Resolve(name)
	if !ok || sv.Set == nil {
		return rerr.At(n.Pos, rerr.UnableToWriteSessionVar, "unable to write session variable %s", n.Text)
	}
	if sv.Type != nil {
		var err error
		if v, err = value.Coerce(v, sv.Type, nil); err != nil {
			return at(n.Pos, err)
		}
	}
	if err := sv.Set(e.exec, v); err != nil {
		return &rerr.Error{Code: rerr.UnableToWriteSessionVar, Msg: "unable to write session variable " + n.Text, Pos: n.Pos, Err: err}
	}
	return nil
}

// evalText handles a bare identifier: zero-arity functions are applied,
// anything else becomes a function reference.
func (e *Evaluator) evalText(ctx context.Context, n *ast.Node, en *env.Env) (value.Value, error) {
	desc, ok := e.rc.Lookup(n.Text)
	if !ok {
		return value.Value{}, rerr.At(n.Pos, rerr.NoRuleOrMsiFunctionFound, "no function, rule or microservice named %s", n.Text)
	}
	if desc.Arity == 0 && !desc.Variadic {
		return e.apply(ctx, desc, nil, en, n.Pos, false)
	}
	return value.Func(desc.Name, desc.Arity), nil
}

// at attaches a position to an evaluator error that has none.
func at(pos ast.Pos, err error) error {
	var re *rerr.Error
	if errors.As(err, &re) && re.Pos.Line == 0 {
		cp := *re
		cp.Pos = pos
		return &cp
	}
	return err
}

// memErr maps allocation failures to RE_OUT_OF_MEMORY and everything else to
// code.
func memErr(pos ast.Pos, err error, code rerr.Code, msg string) error {
	if errors.Is(err, region.ErrOutOfMemory) {
		return &rerr.Error{Code: rerr.OutOfMemory, Msg: msg, Pos: pos, Err: err}
	}
	return &rerr.Error{Code: code, Msg: msg, Pos: pos, Err: err}
}
