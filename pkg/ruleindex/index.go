package ruleindex

import (
	"slices"

	"nre/pkg/ast"
	"nre/pkg/symtab"
)

// DefaultThreshold is the minimum run length that gets a conditional index.
const DefaultThreshold = 3

// CondIndexVal compacts a run of rules whose guards only differ in the string
// literal compared against a shared expression.
type CondIndexVal struct {
	Params   []*ast.Node
	CondExpr *ast.Node
	ValIndex *symtab.Table[[]int] // literal -> rule indices, declaration order
}

// Lookup returns the rules indexed under val.
func (c *CondIndexVal) Lookup(val string) ([]int, bool) {
	return c.ValIndex.Lookup(val)
}

// Members returns every rule of the run in declaration order.
func (c *CondIndexVal) Members() []int {
	var out []int
	c.ValIndex.Range(func(_ string, rs []int) bool {
		out = append(out, rs...)
		return true
	})
	slices.Sort(out)
	return out
}

// Node is one entry of a per-name list: a direct rule reference or a
// conditional index.
type Node struct {
	Rule      int
	Secondary bool
	Cond      *CondIndexVal
}

// List is the ordered candidate list of one name.
type List struct {
	Name  string
	Nodes []*Node
}

// Index maps rule names to their candidate lists over one RuleSet.
//
// THREAD-SAFETY: read-only after Build; may be shared by any number of
// evaluations.
type Index struct {
	Rules *RuleSet
	lists *symtab.Table[*List]
	names []string
}

// Empty returns an index over an empty rule set.
func Empty() *Index {
	return &Index{Rules: NewRuleSet(), lists: symtab.New[*List](1)}
}

// Build indexes every executable rule of rs. Runs of at least threshold
// consecutive rules of one name with the same parameters and a guard of the
// form E == "literal" collapse into one conditional index node. A threshold
// below 1 disables conditional indexing.
func Build(rs *RuleSet, threshold int) (*Index, error) {
	groups := map[string][]int{}
	var names []string
	for i, r := range rs.Rules {
		if !r.Executable() {
			continue
		}
		if _, ok := groups[r.Name()]; !ok {
			names = append(names, r.Name())
		}
		groups[r.Name()] = append(groups[r.Name()], i)
	}

	idx := &Index{Rules: rs, lists: symtab.New[*List](len(names) + 1), names: names}
	for _, name := range names {
		l, err := buildList(rs, name, groups[name], threshold)
		if err != nil {
			return nil, err
		}
		if _, err := idx.lists.Insert(name, l); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func buildList(rs *RuleSet, name string, members []int, threshold int) (*List, error) {
	l := &List{Name: name}
	for i := 0; i < len(members); {
		run := condRun(rs, members[i:])
		if threshold > 0 && len(run) >= threshold {
			civ, err := newCondIndex(rs, run)
			if err != nil {
				return nil, err
			}
			l.Nodes = append(l.Nodes, &Node{Rule: run[0], Secondary: true, Cond: civ})
			i += len(run)
			continue
		}
		l.Nodes = append(l.Nodes, &Node{Rule: members[i]})
		i++
	}
	return l, nil
}

// condRun returns the longest prefix of members that can share a conditional
// index with members[0]. Members must be consecutive declarations.
func condRun(rs *RuleSet, members []int) []int {
	first := rs.Rules[members[0]].Node
	expr, _, ok := SplitCond(first.RuleGuard())
	if !ok {
		return members[:1]
	}
	n := 1
	for n < len(members) {
		if members[n] != members[n-1]+1 {
			break
		}
		node := rs.Rules[members[n]].Node
		e, _, ok := SplitCond(node.RuleGuard())
		if !ok || !ast.Equal(e, expr) || !sameParams(first, node) {
			break
		}
		n++
	}
	return members[:n]
}

func newCondIndex(rs *RuleSet, run []int) (*CondIndexVal, error) {
	first := rs.Rules[run[0]].Node
	expr, _, _ := SplitCond(first.RuleGuard())
	civ := &CondIndexVal{
		Params:   first.RuleParams(),
		CondExpr: expr,
		ValIndex: symtab.New[[]int](len(run)),
	}
	for _, ri := range run {
		_, lit, _ := SplitCond(rs.Rules[ri].Node.RuleGuard())
		prev, _ := civ.ValIndex.Lookup(lit)
		if err := civ.ValIndex.Set(lit, append(prev, ri)); err != nil {
			return nil, err
		}
	}
	return civ, nil
}

// SplitCond recognizes a guard E == "literal" or "literal" == E.
func SplitCond(guard *ast.Node) (expr *ast.Node, lit string, ok bool) {
	if guard == nil || guard.Kind != ast.Application || guard.FuncName() != "==" {
		return nil, "", false
	}
	args := guard.Args()
	if len(args) != 2 {
		return nil, "", false
	}
	switch {
	case args[1].Kind == ast.TkString && args[0].Kind != ast.TkString:
		return args[0], args[1].Text, true
	case args[0].Kind == ast.TkString && args[1].Kind != ast.TkString:
		return args[1], args[0].Text, true
	}
	return nil, "", false
}

func sameParams(a, b *ast.Node) bool {
	pa, pb := a.RuleParams(), b.RuleParams()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if !ast.Equal(pa[i], pb[i]) {
			return false
		}
	}
	return true
}

// Lookup returns the candidate list of name.
func (x *Index) Lookup(name string) (*List, bool) {
	return x.lists.Lookup(name)
}

// Has reports whether name has at least one candidate.
func (x *Index) Has(name string) bool {
	_, ok := x.lists.Lookup(name)
	return ok
}

// FindNext returns the i-th candidate of name.
func (x *Index) FindNext(name string, i int) (*Node, bool) {
	l, ok := x.lists.Lookup(name)
	if !ok || i < 0 || i >= len(l.Nodes) {
		return nil, false
	}
	return l.Nodes[i], true
}

// Names returns the indexed names in first-declaration order.
func (x *Index) Names() []string { return x.names }

// Lists returns every list in first-declaration order.
func (x *Index) Lists() []*List {
	out := make([]*List, 0, len(x.names))
	for _, n := range x.names {
		if l, ok := x.lists.Lookup(n); ok {
			out = append(out, l)
		}
	}
	return out
}

// FromLists rebuilds an index from decoded lists.
func FromLists(rs *RuleSet, lists []*List) (*Index, error) {
	idx := &Index{Rules: rs, lists: symtab.New[*List](len(lists) + 1)}
	for _, l := range lists {
		ok, err := idx.lists.Insert(l.Name, l)
		if err != nil {
			return nil, err
		}
		if ok {
			idx.names = append(idx.names, l.Name)
		}
	}
	return idx, nil
}
