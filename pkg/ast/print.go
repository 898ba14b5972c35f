package ast

import (
	"strconv"
	"strings"
)

var infix = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "^": true, "++": true,
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"&&": true, "||": true, "like": true, "like regex": true, "not like": true,
	"not like regex": true, "=": true,
}

// String renders the node in rule-language syntax. It is used for listings
// and for round-tripping delayed actions, not for byte-exact reproduction.
func (n *Node) String() string {
	var b strings.Builder
	write(&b, n)
	return b.String()
}

func write(b *strings.Builder, n *Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case TkInt, TkDouble, TkBool, TkVar, TkText:
		b.WriteString(n.Text)
	case TkString:
		b.WriteString(quote(n.Text))
	case Tuple:
		if !n.ConstructTuple && len(n.Children) == 1 {
			write(b, n.Children[0])
			return
		}
		b.WriteByte('(')
		for i, c := range n.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, c)
		}
		if n.ConstructTuple && len(n.Children) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case Application:
		fn := n.FuncName()
		args := n.Args()
		if infix[fn] && len(args) == 2 {
			b.WriteByte('(')
			write(b, args[0])
			b.WriteString(" " + fn + " ")
			write(b, args[1])
			b.WriteByte(')')
			return
		}
		if fn == "." && len(args) == 2 && args[1].Kind == TkString {
			write(b, args[0])
			b.WriteString("." + args[1].Text)
			return
		}
		if fn == "cut" && len(args) == 0 {
			b.WriteString("cut")
			return
		}
		if writeControl(b, fn, args) {
			return
		}
		b.WriteString(fn)
		b.WriteByte('(')
		for i, c := range args {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, c)
		}
		b.WriteByte(')')
	case Actions:
		b.WriteByte('{')
		for i, c := range n.Children {
			if i > 0 {
				b.WriteString("; ")
			} else {
				b.WriteByte(' ')
			}
			write(b, c)
		}
		b.WriteString(" }")
	case ActionsRecovery:
		acts, reco := n.Children[0], n.Children[1]
		b.WriteByte('{')
		for i, c := range acts.Children {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteByte(' ')
			write(b, c)
			if i < len(reco.Children) && !isNop(reco.Children[i]) {
				b.WriteString(" ::: ")
				write(b, reco.Children[i])
			}
		}
		b.WriteString(" }")
	case Params:
		b.WriteByte('(')
		for i, c := range n.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, c)
		}
		b.WriteByte(')')
	case Rule:
		b.WriteString(n.Text)
		write(b, n.Children[0])
		guard := n.RuleGuard()
		if !(guard.Kind == TkBool && guard.Text == "true") {
			b.WriteString(" { on ")
			write(b, guard)
			b.WriteByte(' ')
			writeBody(b, n)
			b.WriteString(" }")
			return
		}
		b.WriteByte(' ')
		writeBody(b, n)
	}
}

// writeControl renders control forms in surface syntax so printed actions
// parse back into the same tree.
func writeControl(b *strings.Builder, fn string, args []*Node) bool {
	switch {
	case fn == "assign" && len(args) == 2:
		write(b, args[0])
		b.WriteString(" = ")
		write(b, args[1])
	case fn == "if" && len(args) == 3 && isBlock(args[1]) && isBlock(args[2]):
		b.WriteString("if (")
		write(b, args[0])
		b.WriteString(") ")
		write(b, args[1])
		b.WriteString(" else ")
		write(b, args[2])
	case fn == "if2" && len(args) == 3:
		b.WriteString("(if ")
		write(b, args[0])
		b.WriteString(" then ")
		write(b, args[1])
		b.WriteString(" else ")
		write(b, args[2])
		b.WriteByte(')')
	case fn == "while" && len(args) == 2 && isBlock(args[1]):
		b.WriteString("while (")
		write(b, args[0])
		b.WriteString(") ")
		write(b, args[1])
	case fn == "foreach" && len(args) == 3 && isBlock(args[2]):
		b.WriteString("foreach (")
		write(b, args[0])
		if !Equal(args[0], args[1]) {
			b.WriteString(" in ")
			write(b, args[1])
		}
		b.WriteString(") ")
		write(b, args[2])
	case fn == "for" && len(args) == 4 && isBlock(args[3]):
		b.WriteString("for (")
		write(b, args[0])
		b.WriteString("; ")
		write(b, args[1])
		b.WriteString("; ")
		write(b, args[2])
		b.WriteString(") ")
		write(b, args[3])
	case fn == "let" && len(args) == 3:
		b.WriteString("(let ")
		write(b, args[0])
		b.WriteString(" = ")
		write(b, args[1])
		b.WriteString(" in ")
		write(b, args[2])
		b.WriteByte(')')
	case fn == "match" && len(args) >= 2 && matchCases(args[1:]):
		b.WriteString("(match ")
		write(b, args[0])
		b.WriteString(" with")
		for _, c := range args[1:] {
			b.WriteString(" | ")
			write(b, c.Children[0])
			b.WriteString(" => ")
			write(b, c.Children[1])
		}
		b.WriteByte(')')
	default:
		return false
	}
	return true
}

func matchCases(cases []*Node) bool {
	for _, c := range cases {
		if c.Kind != Tuple || len(c.Children) != 2 {
			return false
		}
	}
	return true
}

func isBlock(n *Node) bool { return n.Kind == ActionsRecovery || n.Kind == Actions }

func writeBody(b *strings.Builder, rule *Node) {
	body := rule.RuleBody()
	if body.Kind == Actions {
		write(b, NewActionsRecovery(body.Pos, body, rule.RuleRecovery()))
		return
	}
	b.WriteString("= ")
	write(b, body)
}

// quote escapes "*name" so the literal is not read back as interpolation.
func quote(s string) string {
	q := strconv.Quote(s)
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] == '*' && i+1 < len(q) && isIdentByte(q[i+1]) {
			b.WriteByte('\\')
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func isIdentByte(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || c == '_'
}

func isNop(n *Node) bool {
	return n.Kind == Application && n.FuncName() == "nop" && len(n.Args()) == 0
}
