package ast

import (
	"nre/pkg/rerr"
)

// Pos is the source location of a node.
type Pos = rerr.Pos

type Kind uint8

const (
	TkInt Kind = iota + 1
	TkDouble
	TkString
	TkBool
	TkVar  // *local or $session
	TkText // identifier in function position
	Application
	Tuple
	Actions
	ActionsRecovery
	Rule
	Params
)

var kindNames = map[Kind]string{
	TkInt:           "int",
	TkDouble:        "double",
	TkString:        "string",
	TkBool:          "bool",
	TkVar:           "var",
	TkText:          "text",
	Application:     "application",
	Tuple:           "tuple",
	Actions:         "actions",
	ActionsRecovery: "actions-recovery",
	Rule:            "rule",
	Params:          "params",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Node is an immutable syntax tree node. Evaluation never writes to it, so one
// tree can be shared by every evaluation and by the cache encoder.
//
// Layouts by kind:
//   - Application: Children[0] is the function (TkText), Children[1] the argument Tuple.
//   - ActionsRecovery: Children[0] actions, Children[1] recovery actions.
//   - Rule: Children[0] Params, [1] guard, [2] body, [3] recovery.
type Node struct {
	Kind           Kind
	Text           string
	Children       []*Node
	Pos            Pos
	ConstructTuple bool
}

func (n *Node) Degree() int { return len(n.Children) }

func Int(text string, pos Pos) *Node    { return &Node{Kind: TkInt, Text: text, Pos: pos} }
func Double(text string, pos Pos) *Node { return &Node{Kind: TkDouble, Text: text, Pos: pos} }
func String(text string, pos Pos) *Node { return &Node{Kind: TkString, Text: text, Pos: pos} }
func Var(name string, pos Pos) *Node    { return &Node{Kind: TkVar, Text: name, Pos: pos} }
func Text(name string, pos Pos) *Node   { return &Node{Kind: TkText, Text: name, Pos: pos} }

func Bool(b bool, pos Pos) *Node {
	if b {
		return &Node{Kind: TkBool, Text: "true", Pos: pos}
	}
	return &Node{Kind: TkBool, Text: "false", Pos: pos}
}

// NewTuple builds a tuple that collapses to its only component when it has one.
func NewTuple(pos Pos, comps ...*Node) *Node {
	return &Node{Kind: Tuple, Children: comps, Pos: pos}
}

// NewConstructTuple builds a tuple that stays a tuple even with one component.
func NewConstructTuple(pos Pos, comps ...*Node) *Node {
	return &Node{Kind: Tuple, Children: comps, Pos: pos, ConstructTuple: true}
}

// Apply builds the application of a named function.
func Apply(fn string, pos Pos, args ...*Node) *Node {
	return &Node{
		Kind:     Application,
		Children: []*Node{Text(fn, pos), {Kind: Tuple, Children: args, Pos: pos, ConstructTuple: true}},
		Pos:      pos,
	}
}

func NewActions(pos Pos, acts ...*Node) *Node {
	return &Node{Kind: Actions, Children: acts, Pos: pos}
}

func NewActionsRecovery(pos Pos, acts, reco *Node) *Node {
	return &Node{Kind: ActionsRecovery, Children: []*Node{acts, reco}, Pos: pos}
}

// NewRule builds a rule node. recovery may be nil.
func NewRule(name string, pos Pos, params []*Node, guard, body, recovery *Node) *Node {
	if guard == nil {
		guard = Bool(true, pos)
	}
	if recovery == nil {
		recovery = NewActions(pos)
	}
	return &Node{
		Kind: Rule,
		Text: name,
		Pos:  pos,
		Children: []*Node{
			{Kind: Params, Children: params, Pos: pos},
			guard,
			body,
			recovery,
		},
	}
}

// FuncName returns the function name of an application.
func (n *Node) FuncName() string {
	if n.Kind != Application || len(n.Children) < 1 {
		return ""
	}
	return n.Children[0].Text
}

// Args returns the argument nodes of an application.
func (n *Node) Args() []*Node {
	if n.Kind != Application || len(n.Children) < 2 {
		return nil
	}
	return n.Children[1].Children
}

func (n *Node) RuleParams() []*Node { return n.Children[0].Children }
func (n *Node) RuleGuard() *Node    { return n.Children[1] }
func (n *Node) RuleBody() *Node     { return n.Children[2] }
func (n *Node) RuleRecovery() *Node { return n.Children[3] }

// NumParams returns the declared parameter count of a rule node.
func (n *Node) NumParams() int {
	if n.Kind != Rule {
		return 0
	}
	return len(n.Children[0].Children)
}

// IsCut reports whether the node is the bare cut marker.
func (n *Node) IsCut() bool {
	return n.Kind == Application && n.FuncName() == "cut" && len(n.Args()) == 0
}

// IsVariable reports whether the node names a local or session variable.
func (n *Node) IsVariable() bool {
	return n.Kind == TkVar
}

// Equal compares two trees structurally, ignoring positions.
func Equal(a, b *Node) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind || a.Text != b.Text || len(a.Children) != len(b.Children) {
		return false
	}
	if a.Kind == Tuple && a.ConstructTuple != b.ConstructTuple {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Walk visits n and its descendants depth first until fn returns false.
func Walk(n *Node, fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		Walk(c, fn)
	}
}

// Count returns the number of nodes in the tree.
func Count(n *Node) int {
	c := 0
	Walk(n, func(*Node) bool {
		c++
		return true
	})
	return c
}
