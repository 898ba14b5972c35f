package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/pkg/parser"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
)

func buildIndex(t *testing.T, src string, threshold int) *ruleindex.Index {
	t.Helper()
	rules, err := parser.ParseRules(src, "test.re")
	require.NoError(t, err)
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), threshold)
	require.NoError(t, err)
	return idx
}

func newContext(t *testing.T, src string, opts ...Option) *RuleEngineContext {
	t.Helper()
	return NewContext(nil, buildIndex(t, src, ruleindex.DefaultThreshold), opts...)
}

const checkRules = `
check(*X): *X > 0 { writeLine("stdout", "positive") } else { writeLine("stdout", "nonpositive") }
`

func TestCheckScenario(t *testing.T) {
	rc := newContext(t, checkRules)
	ctx := context.Background()

	tests := []struct {
		arg  value.Value
		want string
	}{
		{value.Int(5), "positive\n"},
		{value.Int(-1), "nonpositive\n"},
		{value.Int(0), "nonpositive\n"},
		{value.String("7"), "positive\n"},
	}
	for _, tt := range tests {
		t.Run(tt.arg.String(), func(t *testing.T) {
			ev := rc.NewEvaluator(nil)
			defer ev.Close()
			res, err := ev.ExecRule(ctx, "check", []value.Value{tt.arg}, false)
			require.NoError(t, err)
			assert.Equal(t, value.Int(0), res)
			assert.Equal(t, tt.want, ev.Stdout.String())
		})
	}

	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	_, err := ev.ExecRule(ctx, "check", []value.Value{value.String("a")}, false)
	require.Error(t, err)
	assert.Equal(t, rerr.DynamicCoercionError, rerr.CodeOf(err))
	assert.Empty(t, ev.Stdout.String())
	assert.Equal(t, 1, ev.Errors.Len())
}

func TestDispatchOrder(t *testing.T) {
	rc := newContext(t, `
f(*a, *b, *c): *a { "A" }
f(*a, *b, *c): *b { "B" }
f(*a, *b, *c): *c { "C" }
`)
	ctx := context.Background()
	for mask := 0; mask < 8; mask++ {
		a, b, c := mask&4 != 0, mask&2 != 0, mask&1 != 0
		t.Run(fmt.Sprintf("%v_%v_%v", a, b, c), func(t *testing.T) {
			args := []value.Value{value.Bool(a), value.Bool(b), value.Bool(c)}
			res, err := rc.ExecRule(ctx, "f", args, false)
			switch {
			case a:
				require.NoError(t, err)
				assert.Equal(t, "A", res.S)
			case b:
				require.NoError(t, err)
				assert.Equal(t, "B", res.S)
			case c:
				require.NoError(t, err)
				assert.Equal(t, "C", res.S)
			default:
				assert.Equal(t, rerr.RuleFailed, rerr.CodeOf(err))
			}
		})
	}
}

func TestArityMismatchSkipsCandidate(t *testing.T) {
	rc := newContext(t, `
g(*a) { "one" }
g(*a, *b) { "two" }
`)
	ctx := context.Background()

	res, err := rc.ExecRule(ctx, "g", []value.Value{value.Int(1), value.Int(2)}, false)
	require.NoError(t, err)
	assert.Equal(t, "two", res.S)

	_, err = rc.ExecRule(ctx, "g", nil, false)
	assert.Equal(t, rerr.NoRuleFound, rerr.CodeOf(err))

	_, err = rc.ExecRule(ctx, "missing", nil, false)
	assert.Equal(t, rerr.NoRuleFound, rerr.CodeOf(err))
}

const routeRules = `
route(*k): *k == "a" { "A" }
route(*k): *k == "b" { "B" }
route(*k): *k == "c" { "C" }
route(*k): *k == "b" { "B2" }
route(*k) { "default" }
`

func TestCondIndexEquivalence(t *testing.T) {
	indexed := NewContext(nil, buildIndex(t, routeRules, ruleindex.DefaultThreshold))
	linear := NewContext(nil, buildIndex(t, routeRules, 0))

	l, ok := indexed.App.Lookup("route")
	require.True(t, ok)
	require.True(t, l.Nodes[0].Secondary)

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "z", ""} {
		t.Run(k, func(t *testing.T) {
			args := []value.Value{value.String(k)}
			want, err := linear.ExecRule(ctx, "route", args, false)
			require.NoError(t, err)
			got, err := indexed.ExecRule(ctx, "route", args, false)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCondIndexMiss(t *testing.T) {
	src := `
color(*k): *k == "r" { "red" }
color(*k): *k == "g" { "green" }
color(*k): *k == "b" { "blue" }
`
	indexed := NewContext(nil, buildIndex(t, src, ruleindex.DefaultThreshold))
	linear := NewContext(nil, buildIndex(t, src, 0))
	ctx := context.Background()

	_, err := indexed.ExecRule(ctx, "color", []value.Value{value.String("x")}, false)
	assert.Equal(t, rerr.NoMoreRules, rerr.CodeOf(err))
	_, err = linear.ExecRule(ctx, "color", []value.Value{value.String("x")}, false)
	assert.Error(t, err)

}

func TestCondIndexNonTextKey(t *testing.T) {
	src := `
route(*k): *k == "1" { "one" }
route(*k): *k == "2" { "two" }
route(*k): *k == "3" { "three" }
route(*k): *k == "b" { "bee" }
`
	indexed := NewContext(nil, buildIndex(t, src, ruleindex.DefaultThreshold))
	linear := NewContext(nil, buildIndex(t, src, 0))
	l, ok := indexed.App.Lookup("route")
	require.True(t, ok)
	require.True(t, l.Nodes[0].Secondary)

	ctx := context.Background()
	for _, arg := range []value.Value{value.Int(2), value.Double(2), value.Double(3.0), value.Path("b"), value.Int(7)} {
		t.Run(arg.Kind.String()+"_"+arg.String(), func(t *testing.T) {
			args := []value.Value{arg}
			want, wantErr := linear.ExecRule(ctx, "route", args, false)
			got, gotErr := indexed.ExecRule(ctx, "route", args, false)
			assert.Equal(t, want, got)
			assert.Equal(t, wantErr == nil, gotErr == nil)
		})
	}

	res, err := indexed.ExecRule(ctx, "route", []value.Value{value.Int(2)}, false)
	require.NoError(t, err)
	assert.Equal(t, "two", res.S)
	res, err = indexed.ExecRule(ctx, "route", []value.Value{value.Path("b")}, false)
	require.NoError(t, err)
	assert.Equal(t, "bee", res.S)
}

func TestCondIndexArityMismatch(t *testing.T) {
	src := `
route(*k): *k == "a" { "A" }
route(*k): *k == "b" { "B" }
route(*k): *k == "c" { "C" }
`
	ctx := context.Background()
	args := []value.Value{value.String("a"), value.String("b")}
	for _, threshold := range []int{0, ruleindex.DefaultThreshold} {
		rc := NewContext(nil, buildIndex(t, src, threshold))
		_, err := rc.ExecRule(ctx, "route", args, false)
		assert.Equal(t, rerr.NoRuleFound, rerr.CodeOf(err), "threshold %d", threshold)
	}
}

func TestApplyAll(t *testing.T) {
	rc := newContext(t, `
note(*x) { writeLine("stdout", "first") }
note(*x) { fail() }
note(*x) { writeLine("stdout", "third") }
`)
	ctx := context.Background()
	args := []value.Value{value.Int(1)}

	ev := rc.NewEvaluator(nil)
	res, err := ev.ExecRule(ctx, "note", args, true)
	require.NoError(t, err)
	assert.Equal(t, value.Int(0), res)
	assert.Equal(t, "first\nthird\n", ev.Stdout.String())
	ev.Close()

	ev = rc.NewEvaluator(nil)
	_, err = ev.ExecRule(ctx, "note", args, false)
	require.NoError(t, err)
	assert.Equal(t, "first\n", ev.Stdout.String())
	ev.Close()

	ev = rc.NewEvaluator(nil)
	_, err = ev.Run(ctx, `applyAllRules(note(1), 0, 0)`)
	require.NoError(t, err)
	assert.Equal(t, "first\nthird\n", ev.Stdout.String())
	ev.Close()

	_, err = rc.ExecRule(ctx, "nothing", args, true)
	assert.Equal(t, rerr.NoRuleFound, rerr.CodeOf(err))
}

func TestRecoveryRunsInReverse(t *testing.T) {
	rc := newContext(t, `
r1 {
	writeLine("stdout", "one") ::: writeLine("stdout", "undo one");
	writeLine("stdout", "two") ::: writeLine("stdout", "undo two");
	fail() ::: writeLine("stdout", "undo three");
	writeLine("stdout", "never")
}
`)
	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	_, err := ev.ExecRule(context.Background(), "r1", nil, false)
	assert.Equal(t, rerr.FailActionEncountered, rerr.CodeOf(err))
	assert.Equal(t, "one\ntwo\nundo three\nundo two\nundo one\n", ev.Stdout.String())
}

func TestCutStopsDispatch(t *testing.T) {
	rc := newContext(t, `
g(*x) { cut; fail() }
g(*x) { "second" }
h(*x) { fail() }
h(*x) { "second" }
`)
	ctx := context.Background()
	args := []value.Value{value.Int(0)}

	_, err := rc.ExecRule(ctx, "g", args, false)
	assert.Equal(t, rerr.FailActionEncountered, rerr.CodeOf(err))

	res, err := rc.ExecRule(ctx, "h", args, false)
	require.NoError(t, err)
	assert.Equal(t, "second", res.S)
}

func TestRetryWithoutRecovery(t *testing.T) {
	rc := newContext(t, `
h {
	writeLine("stdout", "a") ::: writeLine("stdout", "undo a");
	fail(-1088000)
}
h {
	writeLine("stdout", "b") ::: writeLine("stdout", "undo b");
	fail()
}
`)
	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	_, err := ev.ExecRule(context.Background(), "h", nil, false)
	assert.Equal(t, rerr.FailActionEncountered, rerr.CodeOf(err))
	assert.Equal(t, "a\nb\n", ev.Stdout.String())
}

func TestSentinelsSettledAtBoundary(t *testing.T) {
	rc := newContext(t, `
bare { fail(-1088000) }
cutter { cut; fail() }
`)
	ctx := context.Background()

	_, err := rc.ExecRule(ctx, "bare", nil, false)
	assert.Equal(t, rerr.RuleFailed, rerr.CodeOf(err))

	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	_, err = ev.ExecAction(ctx, "cutter", nil)
	assert.Equal(t, rerr.FailActionEncountered, rerr.CodeOf(err))
	_, err = ev.Run(ctx, `bare()`)
	assert.False(t, rerr.CodeOf(err).Sentinel())
	_, err = ev.Run(ctx, `cutter()`)
	assert.Equal(t, rerr.FailActionEncountered, rerr.CodeOf(err))
}

func TestSucceedAndOutputParams(t *testing.T) {
	rc := newContext(t, `
twice(*x, *y) { *y = *x * 2 }
early { succeed; fail() }
`)
	ctx := context.Background()

	args := []value.Value{value.Int(4), value.Unspeced()}
	_, err := rc.ExecRule(ctx, "twice", args, false)
	require.NoError(t, err)
	assert.Equal(t, value.Int(8), args[1])

	res, err := rc.ExecRule(ctx, "early", nil, false)
	require.NoError(t, err)
	assert.Equal(t, value.Int(0), res)

	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	res, err = ev.Run(ctx, `twice(21, *r); *r`)
	require.NoError(t, err)
	assert.Equal(t, value.Int(42), res)
}

func TestCoreRulesShadowApp(t *testing.T) {
	core := buildIndex(t, `greet { "core" }`, ruleindex.DefaultThreshold)
	app := buildIndex(t, `greet { "app" }
other { "app" }`, ruleindex.DefaultThreshold)
	rc := NewContext(core, app, WithNameMap(map[string]string{"acGreet": "greet"}))
	ctx := context.Background()

	res, err := rc.ExecRule(ctx, "greet", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "core", res.S)

	res, err = rc.ExecRule(ctx, "acGreet", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "core", res.S)

	res, err = rc.ExecRule(ctx, "other", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "app", res.S)
}

func TestMaxDepth(t *testing.T) {
	rc := newContext(t, `loop(*n) { loop(*n + 1) }`, WithMaxDepth(50))
	_, err := rc.ExecRule(context.Background(), "loop", []value.Value{value.Int(0)}, false)
	assert.Equal(t, rerr.RuntimeError, rerr.CodeOf(err))
}

func TestRegionLimit(t *testing.T) {
	rc := newContext(t, `id(*x) { *x }`, WithRegionLimit(16))
	_, err := rc.ExecRule(context.Background(), "id", []value.Value{value.Int(1)}, false)
	assert.Equal(t, rerr.OutOfMemory, rerr.CodeOf(err))
}

func TestCancelledContext(t *testing.T) {
	rc := newContext(t, `id(*x) { *x }`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rc.ExecRule(ctx, "id", []value.Value{value.Int(1)}, false)
	assert.ErrorIs(t, err, context.Canceled)
}
