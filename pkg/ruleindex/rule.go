package ruleindex

import (
	"nre/pkg/ast"
)

type RuleKind uint8

const (
	Relation RuleKind = iota + 1
	Function
	Constructor
	Data
	External
)

var ruleKindNames = map[RuleKind]string{
	Relation:    "rule",
	Function:    "function",
	Constructor: "constructor",
	Data:        "data",
	External:    "external",
}

func (k RuleKind) String() string {
	if s, ok := ruleKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// RuleDesc is one declaration of the rule base.
type RuleDesc struct {
	Kind          RuleKind
	Node          *ast.Node
	DynamicTyping bool
}

func (d *RuleDesc) Name() string { return d.Node.Text }

// Executable reports whether dispatch may run the declaration.
func (d *RuleDesc) Executable() bool { return d.Kind == Relation || d.Kind == Function }

// RuleSet is the ordered list of declarations. Position is priority.
type RuleSet struct {
	Rules []*RuleDesc
}

func NewRuleSet(rules ...*RuleDesc) *RuleSet {
	return &RuleSet{Rules: rules}
}

// Append adds a declaration and returns its index.
func (s *RuleSet) Append(d *RuleDesc) int {
	s.Rules = append(s.Rules, d)
	return len(s.Rules) - 1
}

func (s *RuleSet) Len() int { return len(s.Rules) }

func (s *RuleSet) Get(i int) *RuleDesc {
	if i < 0 || i >= len(s.Rules) {
		return nil
	}
	return s.Rules[i]
}

// Names returns the distinct declaration names in first-declaration order.
func (s *RuleSet) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range s.Rules {
		if !seen[r.Name()] {
			seen[r.Name()] = true
			names = append(names, r.Name())
		}
	}
	return names
}
