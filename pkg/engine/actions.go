package engine

import (
	"context"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/rerr"
	"nre/pkg/value"
)

// evalActions runs a block in order. When an action fails, the recovery
// actions paired with it and every earlier one run in reverse, unless the
// failure asks to skip recovery. A cut seen earlier in the block turns the
// failure into CUT_ACTION_PROCESSED so the dispatcher stops trying
// candidates.
func (e *Evaluator) evalActions(ctx context.Context, acts, reco *ast.Node, en *env.Env, noRecovery bool) (value.Value, error) {
	cut := false
	res := value.Int(0)
	for i, a := range acts.Children {
		if a.IsCut() {
			cut = true
			continue
		}
		if err := ctx.Err(); err != nil {
			return value.Value{}, &rerr.Error{Code: rerr.RuntimeError, Msg: "evaluation cancelled", Pos: a.Pos, Err: err}
		}
		v, err := e.Evaluate(ctx, a, en)
		if err != nil {
			if reco != nil && !noRecovery && !rerr.Is(err, rerr.RetryWithoutRecovery) {
				e.recover(ctx, reco, min(len(reco.Children)-1, i), en)
			}
			if cut {
				return value.Value{}, &rerr.Error{Code: rerr.CutActionProcessed, Msg: "cut action processed", Pos: a.Pos, Err: err}
			}
			return value.Value{}, err
		}
		if v.Kind == value.KindBreak || v.Kind == value.KindSuccess {
			return v, nil
		}
		res = v
	}
	return res, nil
}

// recover runs recovery actions from index from down to 0. Their failures are
// recorded but never replace the original error.
func (e *Evaluator) recover(ctx context.Context, reco *ast.Node, from int, en *env.Env) {
	for j := from; j >= 0; j-- {
		if _, err := e.Evaluate(ctx, reco.Children[j], en); err != nil {
			e.Errors.AddErr(err)
			e.logger.WarnContext(ctx, "recovery action failed", "action", reco.Children[j].String(), "error", err)
		}
	}
}
