package ruleindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nre/pkg/ast"
)

var p = ast.Pos{}

func eqRule(name, param, lit string) *RuleDesc {
	guard := ast.Apply("==", p, ast.Var(param, p), ast.String(lit, p))
	body := ast.NewActions(p, ast.Apply("succeed", p))
	return &RuleDesc{Kind: Relation, Node: ast.NewRule(name, p, []*ast.Node{ast.Var(param, p)}, guard, body, nil)}
}

func plainRule(name string, params ...string) *RuleDesc {
	var ps []*ast.Node
	for _, n := range params {
		ps = append(ps, ast.Var(n, p))
	}
	return &RuleDesc{Kind: Relation, Node: ast.NewRule(name, p, ps, nil, ast.NewActions(p), nil)}
}

func TestBuildDirect(t *testing.T) {
	rs := NewRuleSet(plainRule("f", "*a"), plainRule("g"), plainRule("f", "*b"),
		&RuleDesc{Kind: Constructor, Node: ast.NewRule("pair", p, nil, nil, ast.NewActions(p), nil)})
	idx, err := Build(rs, DefaultThreshold)
	require.NoError(t, err)

	assert.Equal(t, []string{"f", "g"}, idx.Names())
	assert.False(t, idx.Has("pair"))

	n0, ok := idx.FindNext("f", 0)
	require.True(t, ok)
	assert.Equal(t, 0, n0.Rule)
	n1, ok := idx.FindNext("f", 1)
	require.True(t, ok)
	assert.Equal(t, 2, n1.Rule)
	_, ok = idx.FindNext("f", 2)
	assert.False(t, ok)
	_, ok = idx.FindNext("missing", 0)
	assert.False(t, ok)
}

func TestBuildCondIndex(t *testing.T) {
	rs := NewRuleSet(
		plainRule("acPre", "*x"),
		eqRule("acPre", "*x", "a"),
		eqRule("acPre", "*x", "b"),
		eqRule("acPre", "*x", "a"),
		eqRule("acPre", "*x", "c"),
		plainRule("acPre", "*x"),
	)
	idx, err := Build(rs, DefaultThreshold)
	require.NoError(t, err)

	l, ok := idx.Lookup("acPre")
	require.True(t, ok)
	require.Len(t, l.Nodes, 3)
	assert.False(t, l.Nodes[0].Secondary)
	assert.True(t, l.Nodes[1].Secondary)
	assert.Equal(t, 5, l.Nodes[2].Rule)

	civ := l.Nodes[1].Cond
	assert.Equal(t, "*x", civ.CondExpr.Text)
	hits, ok := civ.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, []int{1, 3}, hits)
	_, ok = civ.Lookup("z")
	assert.False(t, ok)
}

func TestBuildCondIndexBelowThreshold(t *testing.T) {
	rs := NewRuleSet(eqRule("f", "*x", "a"), eqRule("f", "*x", "b"))
	idx, err := Build(rs, DefaultThreshold)
	require.NoError(t, err)
	l, _ := idx.Lookup("f")
	assert.Len(t, l.Nodes, 2)

	idx, err = Build(rs, 2)
	require.NoError(t, err)
	l, _ = idx.Lookup("f")
	assert.Len(t, l.Nodes, 1)

	idx, err = Build(NewRuleSet(eqRule("f", "*x", "a"), eqRule("f", "*x", "b"), eqRule("f", "*x", "c")), 0)
	require.NoError(t, err)
	l, _ = idx.Lookup("f")
	assert.Len(t, l.Nodes, 3)
}

func TestBuildCondIndexRequiresSameShape(t *testing.T) {
	rs := NewRuleSet(eqRule("f", "*x", "a"), eqRule("f", "*y", "b"), eqRule("f", "*x", "c"))
	idx, err := Build(rs, 2)
	require.NoError(t, err)
	l, _ := idx.Lookup("f")
	assert.Len(t, l.Nodes, 3)
}

func TestSplitCond(t *testing.T) {
	e, lit, ok := SplitCond(ast.Apply("==", p, ast.String("v", p), ast.Var("*k", p)))
	assert.True(t, ok)
	assert.Equal(t, "v", lit)
	assert.Equal(t, "*k", e.Text)

	_, _, ok = SplitCond(ast.Apply("!=", p, ast.Var("*k", p), ast.String("v", p)))
	assert.False(t, ok)
	_, _, ok = SplitCond(ast.Bool(true, p))
	assert.False(t, ok)
}

func TestFromLists(t *testing.T) {
	rs := NewRuleSet(plainRule("f"), plainRule("g"))
	idx, err := Build(rs, DefaultThreshold)
	require.NoError(t, err)

	again, err := FromLists(rs, idx.Lists())
	require.NoError(t, err)
	assert.Equal(t, idx.Names(), again.Names())
	n, ok := again.FindNext("g", 0)
	require.True(t, ok)
	assert.Equal(t, 1, n.Rule)
}
