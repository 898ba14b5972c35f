package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/metrics"
	"nre/pkg/msi"
	"nre/pkg/parser"
	"nre/pkg/rerr"
	"nre/pkg/value"
	"nre/pkg/varmap"
)

func TestMicroservices(t *testing.T) {
	rc := newContext(t, "")

	got, err := run(t, rc, `msiAddKeyVal(*kv, "a", "1"); msiAddKeyVal(*kv, "b", "2"); msiGetValByKey(*kv, "b", *v); *v`)
	require.NoError(t, err)
	assert.Equal(t, value.String("2"), got)

	got, err = run(t, rc, `msiAddKeyVal(*kv, "a", "1"); size(*kv)`)
	require.NoError(t, err)
	assert.Equal(t, value.Int(1), got)

	_, err = run(t, rc, `msiAddKeyVal(*kv, "a", "1"); msiGetValByKey(*kv, "zz", *v)`)
	assert.Equal(t, rerr.NoValuesFound, rerr.CodeOf(err))

	_, err = run(t, rc, `msiStrlen("abc")`)
	assert.Equal(t, rerr.ActionArgCountMismatch, rerr.CodeOf(err))
}

func TestCustomMicroservices(t *testing.T) {
	reg := msi.Builtins()
	reg.Register("msiStatus", func(ctx context.Context, c *msi.Call) (int, error) {
		return -808000, nil
	}, msi.Meta{})
	reg.Register("msiBroken", func(ctx context.Context, c *msi.Call) (int, error) {
		return 0, errors.New("disk on fire")
	}, msi.Meta{})
	reg.Register("msiWhoAmI", func(ctx context.Context, c *msi.Call) (int, error) {
		c.Args[0] = value.String(c.Exec.UserNameClient + ":" + c.Locals["*greeting"].S)
		return 0, nil
	}, msi.Meta{Params: []msi.IOType{msi.Output}})
	rc := newContext(t, "", WithMSI(reg))
	ctx := context.Background()

	_, err := run(t, rc, `msiStatus`)
	assert.Equal(t, rerr.Code(-808000), rerr.CodeOf(err))

	before := testutil.ToFloat64(metrics.MsiCalls.WithLabelValues("msiBroken", "error"))
	_, err = run(t, rc, `msiBroken`)
	assert.Equal(t, rerr.RuntimeError, rerr.CodeOf(err))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MsiCalls.WithLabelValues("msiBroken", "error")))

	ev := rc.NewEvaluator(&varmap.ExecInfo{UserNameClient: "alice"})
	defer ev.Close()
	got, err := ev.Run(ctx, `*greeting = "hi"; msiWhoAmI(*who); *who`)
	require.NoError(t, err)
	assert.Equal(t, value.String("alice:hi"), got)
}

func TestExecAction(t *testing.T) {
	ctx := context.Background()

	rc := newContext(t, "")
	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	args := []value.Value{value.String("héllo"), value.Unspeced()}
	res, err := ev.ExecAction(ctx, "msiStrlen", args)
	require.NoError(t, err)
	assert.Equal(t, value.Int(0), res)
	assert.Equal(t, value.String("5"), args[1])

	_, err = ev.ExecAction(ctx, "msiNothing", nil)
	assert.Equal(t, rerr.NoRuleOrMsiFunctionFound, rerr.CodeOf(err))

	shadow := newContext(t, `msiStrlen(*s, *n) { *n = "from rule" }`)
	ev2 := shadow.NewEvaluator(nil)
	defer ev2.Close()
	args = []value.Value{value.String("abc"), value.Unspeced()}
	_, err = ev2.ExecAction(ctx, "msiStrlen", args)
	require.NoError(t, err)
	assert.Equal(t, value.String("from rule"), args[1])
}

type memQueue struct {
	mu   sync.Mutex
	jobs []DelayedJob
	err  error
}

func (q *memQueue) Push(_ context.Context, job DelayedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func TestDelayExec(t *testing.T) {
	q := &memQueue{}
	rc := newContext(t, "", WithQueue(q), WithRuleBase("core"))

	_, err := run(t, rc, `*n = 3; msiAddKeyVal(*kv, "k", "v"); delayExec("<PLUSET>1s</PLUSET>", writeLine("serverLog", "later"), nop)`)
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)

	job := q.jobs[0]
	assert.Equal(t, "<PLUSET>1s</PLUSET>", job.Hints)
	assert.Equal(t, "core", job.RuleBase)
	assert.Equal(t, int64(3), job.Locals["*n"])
	assert.Equal(t, map[string]string{"k": "v"}, job.Locals["*kv"])
	assert.Contains(t, job.Actions, "writeLine")

	acts, err := parser.ParseActions(job.Actions, "<delayed>")
	require.NoError(t, err)
	assert.NotEmpty(t, acts.Children)

	q.err = errors.New("queue full")
	_, err = run(t, rc, `delayExec("", nop, nop)`)
	assert.Equal(t, rerr.RuntimeError, rerr.CodeOf(err))

	_, err = run(t, newContext(t, ""), `delayExec("", nop, nop)`)
	assert.Equal(t, rerr.UnsupportedOpOrType, rerr.CodeOf(err))
}

func panicky(msg string) Builtin {
	return func(context.Context, *Evaluator, []value.Value, []*ast.Node, *env.Env, ast.Pos) (value.Value, error) {
		panic(msg)
	}
}

func nilDeref(context.Context, *Evaluator, []value.Value, []*ast.Node, *env.Env, ast.Pos) (value.Value, error) {
	var kv *value.KeyValPair
	return value.Int(int64(len(kv.Keys))), nil
}

func TestPanicRecovery(t *testing.T) {
	sys := NewSysTable()
	RegisterBuiltins(sys)
	sys.Register("boom", panicky("kaboom"), Sig{})
	sys.Register("nilptr", nilDeref, Sig{})
	rc := newContext(t, `
explode { boom }
deref { nilptr }
`, WithSys(sys))
	ctx := context.Background()

	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	_, err := ev.ExecRule(ctx, "explode", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PANIC")
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, rerr.RuntimeError, rerr.CodeOf(err))
	d := rerr.ToDiagnostic(err)
	assert.Equal(t, "panic", d.Type)
	assert.Equal(t, "explode", d.Rule)
	assert.Equal(t, 1, ev.Errors.Len())

	_, err = ev.ExecRule(ctx, "deref", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil pointer dereference")

	_, err = ev.Run(ctx, `boom`)
	require.Error(t, err)
	assert.Equal(t, "panic", rerr.ToDiagnostic(err).Type)

	_, err = ev.ExecAction(ctx, "explode", nil)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRuleMetrics(t *testing.T) {
	rc := newContext(t, `ok { nop }
bad { fail() }`)
	ctx := context.Background()

	okBefore := testutil.ToFloat64(metrics.RulesExecuted.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(metrics.RulesExecuted.WithLabelValues("error"))

	_, err := rc.ExecRule(ctx, "ok", nil, false)
	require.NoError(t, err)
	_, err = rc.ExecRule(ctx, "bad", nil, false)
	require.Error(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.RulesExecuted.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.RulesExecuted.WithLabelValues("error")))
}

func TestIntrospection(t *testing.T) {
	core := buildIndex(t, `sys1 { nop }`, 3)
	app := buildIndex(t, `app1 { nop }
app2(*x) { nop }`, 3)
	rc := NewContext(core, app)
	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	ctx := context.Background()

	got, err := ev.Run(ctx, `listapprules`)
	require.NoError(t, err)
	assert.Equal(t, value.List(value.String("app1"), value.String("app2")), got)

	got, err = ev.Run(ctx, `listcorerules`)
	require.NoError(t, err)
	assert.Equal(t, value.List(value.String("sys1")), got)

	got, err = ev.Run(ctx, `arity("app2")`)
	require.NoError(t, err)
	assert.Equal(t, value.Int(1), got)
}
