package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"nre/pkg/ast"
	"nre/pkg/metrics"
	"nre/pkg/parser"
	"nre/pkg/rerr"
	"nre/pkg/value"
)

// panicked turns a recovered panic into a Diagnostic and logs it with the
// stack.
func (e *Evaluator) panicked(r interface{}, name string) error {
	stack := string(debug.Stack())
	e.logger.Error("panic recovered in rule execution",
		"panic", r,
		"rule", name,
		"stack", stack,
	)
	return rerr.Diagnostic{
		Type:    "panic",
		Message: fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", r, stack),
		Code:    int(rerr.RuntimeError),
		Rule:    name,
	}
}

// ExecRule runs the rule name with args in this evaluation. Output
// parameters are written back into args. A panic anywhere below is turned
// into a Diagnostic error.
func (e *Evaluator) ExecRule(ctx context.Context, name string, args []value.Value, applyAll bool) (res value.Value, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res, err = value.Value{}, e.panicked(r, name)
		}
		err = rerr.Settle(err)
		metrics.RulesExecuted.WithLabelValues(metrics.Result(err)).Inc()
		metrics.RuleExecDuration.Observe(time.Since(start).Seconds())
		e.Errors.AddErr(err)
	}()

	return e.execRule(ctx, name, args, applyAll, e.global, ast.Pos{})
}

// ExecAction runs the action name in the global scope. A rule of that name
// is tried first; without one the microservice registry is consulted. Output
// arguments are written back into args.
func (e *Evaluator) ExecAction(ctx context.Context, name string, args []value.Value) (res value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = value.Value{}, e.panicked(r, name)
		}
		err = rerr.Settle(err)
		e.Errors.AddErr(err)
	}()
	return e.execAction(ctx, name, args, e.global, ast.Pos{})
}

// Run parses src as an action sequence and evaluates it in the global scope,
// with the same panic protection as ExecRule.
func (e *Evaluator) Run(ctx context.Context, src string) (res value.Value, err error) {
	n, err := parser.ParseActions(src, "<input>")
	if err != nil {
		return value.Value{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = value.Value{}, e.panicked(r, "<input>")
		}
		err = rerr.Settle(err)
	}()
	return e.RunActions(ctx, n)
}
