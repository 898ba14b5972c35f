package engine

import (
	"context"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
)

// dispatch carries the retry flag across the candidates of one execRule call.
type dispatch struct {
	noRecovery bool
}

// execRule tries the candidates of name in declaration order. Without
// applyAll the first success wins; with applyAll every candidate runs and
// individual failures are swallowed. Output parameters are copied into args.
func (e *Evaluator) execRule(ctx context.Context, name string, args []value.Value, applyAll bool, caller *env.Env, pos ast.Pos) (value.Value, error) {
	name = e.rc.Canonical(name)
	if err := ctx.Err(); err != nil {
		return value.Value{}, &rerr.Error{Code: rerr.RuntimeError, Msg: "evaluation cancelled", Pos: pos, Err: err}
	}
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > e.rc.MaxDepth {
		return value.Value{}, rerr.At(pos, rerr.RuntimeError, "rule nesting deeper than %d while calling %s", e.rc.MaxDepth, name)
	}

	idx := e.rc.indexFor(name)
	d := &dispatch{}
	var (
		res     value.Value
		err     error
		tried   bool
		success bool
	)
	for i := 0; ; i++ {
		node, ok := idx.FindNext(name, i)
		if !ok {
			break
		}
		if node.Secondary {
			if len(node.Cond.Params) != len(args) {
				continue
			}
			res, err = e.execCondIndex(ctx, idx, name, node.Cond, args, applyAll, d, caller, pos)
		} else {
			rd := idx.Rules.Get(node.Rule)
			if rd == nil || !rd.Executable() || rd.Node.NumParams() != len(args) {
				continue
			}
			res, err = e.execRuleNode(ctx, rd, args, d, caller, pos)
		}
		tried = true
		if err == nil {
			success = true
			if !applyAll {
				break
			}
			continue
		}
		code := rerr.CodeOf(err)
		e.logger.DebugContext(ctx, "rule candidate failed", "rule", name, "candidate", i, "code", code.String(), "error", err)
		if code.Resource() {
			return value.Value{}, err
		}
		if code == rerr.RetryWithoutRecovery {
			d.noRecovery = true
		} else if code == rerr.CutActionProcessed {
			break
		}
	}

	switch {
	case !tried:
		return value.Value{}, rerr.At(pos, rerr.NoRuleFound, "no rule found for %s with %d arguments", name, len(args))
	case applyAll:
		return value.Int(0), nil
	case success && (res.Kind == value.KindSuccess || res.Kind == value.KindBreak):
		return value.Int(0), nil
	case success:
		return res, nil
	}
	return value.Value{}, err
}

// execCondIndex evaluates the shared guard expression once and tries only the
// rules indexed under its value. A value that is not text compares
// numerically against the literals, so then every rule of the run is tried
// with its own guard, as without the index.
func (e *Evaluator) execCondIndex(ctx context.Context, idx *ruleindex.Index, name string, civ *ruleindex.CondIndexVal, args []value.Value, applyAll bool, d *dispatch, caller *env.Env, pos ast.Pos) (value.Value, error) {
	child := e.region.Child()
	defer child.Free()
	en := env.NewInRegion(child, e.global, caller)
	if err := e.bindParams(ctx, civ.Params, args, en); err != nil {
		return value.Value{}, err
	}
	key, err := e.Evaluate(ctx, civ.CondExpr, en)
	if err != nil {
		return value.Value{}, err
	}
	var rules []int
	if isText(key) {
		var ok bool
		if rules, ok = civ.Lookup(key.S); !ok {
			e.logger.DebugContext(ctx, "no rule in conditional index", "rule", name, "value", key.S)
			return value.Value{}, rerr.At(pos, rerr.NoMoreRules, "no rule %s for %q", name, key.S)
		}
	} else {
		rules = civ.Members()
	}
	var res value.Value
	for _, ri := range rules {
		rd := idx.Rules.Get(ri)
		if rd == nil || !rd.Executable() {
			continue
		}
		res, err = e.execRuleNode(ctx, rd, args, d, caller, pos)
		if err == nil && !applyAll {
			return res, nil
		}
		if err != nil {
			if code := rerr.CodeOf(err); code.Resource() || code == rerr.CutActionProcessed {
				return value.Value{}, err
			} else if code == rerr.RetryWithoutRecovery {
				d.noRecovery = true
			}
		}
	}
	return res, err
}

// execRuleNode runs one rule in a fresh scope whose lexical parent is the
// global scope and whose dynamic parent is the caller.
func (e *Evaluator) execRuleNode(ctx context.Context, rd *ruleindex.RuleDesc, args []value.Value, d *dispatch, caller *env.Env, pos ast.Pos) (value.Value, error) {
	rule := rd.Node
	if rule.NumParams() != len(args) {
		return value.Value{}, rerr.At(pos, rerr.ActionArgCountMismatch,
			"rule %s declares %d parameters, %d supplied", rule.Text, rule.NumParams(), len(args))
	}
	child := e.region.Child()
	defer child.Free()
	en := env.NewInRegion(child, e.global, caller)

	params := rule.RuleParams()
	if err := e.bindParams(ctx, params, args, en); err != nil {
		return value.Value{}, err
	}

	guard, err := e.Evaluate(ctx, rule.RuleGuard(), en)
	if err != nil {
		return value.Value{}, err
	}
	if guard.Kind != value.KindBool || !guard.AsBool() {
		return value.Value{}, rerr.At(rule.Pos, rerr.RuleFailed, "guard of rule %s does not hold", rule.Text)
	}

	body := rule.RuleBody()
	var res value.Value
	if body.Kind == ast.Actions {
		res, err = e.evalActions(ctx, body, rule.RuleRecovery(), en, d.noRecovery)
	} else {
		res, err = e.Evaluate(ctx, body, en)
	}
	if err != nil {
		return value.Value{}, err
	}

	for i, p := range params {
		if !p.IsVariable() {
			continue
		}
		if v, ok := en.LookupLocal(p.Text); ok {
			args[i] = v
		}
	}
	return res, nil
}

// bindParams seeds a rule scope. Variable parameters bind directly; any other
// parameter is matched as a pattern.
func (e *Evaluator) bindParams(ctx context.Context, params []*ast.Node, args []value.Value, en *env.Env) error {
	for i, p := range params {
		if p.IsVariable() && p.Text[0] == '*' {
			if _, err := en.Insert(p.Text, args[i]); err != nil {
				return memErr(p.Pos, err, rerr.UnableToWriteLocalVar, "unable to bind parameter "+p.Text)
			}
			continue
		}
		if err := e.matchPattern(ctx, p, args[i], en, false); err != nil {
			return err
		}
	}
	return nil
}
