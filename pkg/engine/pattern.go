package engine

import (
	"context"
	"strconv"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
)

// matchPattern destructures v against pat, binding variables in en. In
// assign mode bound variables are overwritten; otherwise they must already
// equal the matched component.
func (e *Evaluator) matchPattern(ctx context.Context, pat *ast.Node, v value.Value, en *env.Env, assign bool) error {
	switch pat.Kind {
	case ast.TkVar:
		if pat.Text[0] == '$' {
			return e.writeSession(pat, v)
		}
		if assign {
			return e.setVar(pat, v, en)
		}
		if old, ok := en.Lookup(pat.Text); ok && old.Kind != value.KindUnspeced {
			if !value.Equal(old, v) {
				return notMatched(pat, v)
			}
			return nil
		}
		return e.setVar(pat, v, en)

	case ast.TkString:
		if (v.Kind == value.KindString || v.Kind == value.KindPath) && v.S == pat.Text {
			return nil
		}
		return notMatched(pat, v)

	case ast.TkInt, ast.TkDouble:
		lit, err := e.Evaluate(ctx, pat, en)
		if err != nil {
			return err
		}
		if (v.Kind == value.KindInt || v.Kind == value.KindDouble) && value.Equal(lit, v) {
			return nil
		}
		return notMatched(pat, v)

	case ast.TkBool:
		if v.Kind == value.KindBool && v.AsBool() == (pat.Text == "true") {
			return nil
		}
		return notMatched(pat, v)

	case ast.TkText:
		if pat.Text == "_" {
			return nil
		}
		return e.matchConstructor(ctx, pat, pat.Text, nil, v, en, assign)

	case ast.Tuple:
		if len(pat.Children) == 1 && !pat.ConstructTuple {
			return e.matchPattern(ctx, pat.Children[0], v, en, assign)
		}
		if v.Kind != value.KindTuple || len(v.Elems) != len(pat.Children) {
			return notMatched(pat, v)
		}
		for i, c := range pat.Children {
			if err := e.matchPattern(ctx, c, v.Elems[i], en, assign); err != nil {
				return err
			}
		}
		return nil

	case ast.Application:
		if pat.FuncName() == "." {
			return e.matchDot(pat, v, en)
		}
		return e.matchConstructor(ctx, pat, pat.FuncName(), pat.Args(), v, en, assign)
	}
	return rerr.At(pat.Pos, rerr.UnsupportedASTNodeType, "unsupported pattern %s", pat.Kind)
}

// matchDot adds the matched string under key to the key/value accumulator
// held by the variable, creating it when unset.
func (e *Evaluator) matchDot(pat *ast.Node, v value.Value, en *env.Env) error {
	args := pat.Args()
	holder, key := args[0], args[1]
	if holder.Kind != ast.TkVar || key.Kind != ast.TkString {
		return rerr.At(pat.Pos, rerr.UnsupportedOpOrType, "malformed key pattern %s", pat)
	}
	if v.Kind != value.KindString {
		return rerr.At(pat.Pos, rerr.DynamicTypeError, "key %s expects a string, got %s", key.Text, v.Kind)
	}
	var kv *value.KeyValPair
	cur, ok, _ := e.peekVar(holder, en)
	switch {
	case !ok || cur.Kind == value.KindUnspeced:
		kv = value.NewKeyValPair()
	default:
		existing, isKV := cur.AsKeyValPair()
		if !isKV {
			return rerr.At(holder.Pos, rerr.DynamicTypeError, "%s holds %s, not a key/value pair", holder.Text, cur.Kind)
		}
		kv = existing.Clone()
	}
	kv.Add(key.Text, v.S)
	return e.setVar(holder, value.Opaque(value.KeyValPairType, kv), en)
}

// matchConstructor handles a named pattern: a zero-parameter function rule
// whose body is a literal, a user matcher rule "~name", or a constructor.
func (e *Evaluator) matchConstructor(ctx context.Context, pat *ast.Node, name string, args []*ast.Node, v value.Value, en *env.Env, assign bool) error {
	if len(args) == 0 {
		if lit, ok := e.literalFunc(name); ok {
			return e.matchPattern(ctx, lit, v, en, assign)
		}
	}

	var comps []value.Value
	matcher := "~" + name
	if desc, ok := e.rc.Lookup(matcher); ok && desc.Kind == RuleFunc {
		res, err := e.execRule(ctx, matcher, []value.Value{v}, false, en, pat.Pos)
		if err != nil {
			return err
		}
		if res.Kind == value.KindTuple {
			comps = res.Elems
		} else {
			comps = []value.Value{res}
		}
	} else {
		switch {
		case name == "cons" && v.IsList() && len(v.Elems) > 0:
			comps = []value.Value{v.Elems[0], value.List(v.Elems[1:]...)}
		case name == "nil" && v.IsList() && len(v.Elems) == 0:
		case v.Kind == value.KindCons && v.S == name:
			comps = v.Elems
		default:
			return notMatched(pat, v)
		}
	}

	if len(comps) != len(args) {
		return notMatched(pat, v)
	}
	for i, a := range args {
		if err := e.matchPattern(ctx, a, comps[i], en, assign); err != nil {
			return err
		}
	}
	return nil
}

// literalFunc returns the body of name when it is a parameterless function
// rule whose body is a literal.
func (e *Evaluator) literalFunc(name string) (*ast.Node, bool) {
	idx := e.rc.indexFor(name)
	node, ok := idx.FindNext(name, 0)
	if !ok || node.Secondary {
		return nil, false
	}
	rd := idx.Rules.Get(node.Rule)
	if rd == nil || rd.Kind != ruleindex.Function || rd.Node.NumParams() != 0 {
		return nil, false
	}
	switch body := rd.Node.RuleBody(); body.Kind {
	case ast.TkInt, ast.TkDouble, ast.TkString, ast.TkBool:
		return body, true
	}
	return nil, false
}

func notMatched(pat *ast.Node, v value.Value) error {
	return rerr.At(pat.Pos, rerr.PatternNotMatched, "pattern %s does not match %s", pat, describe(v))
}

func describe(v value.Value) string {
	if v.Kind == value.KindString {
		return strconv.Quote(v.S)
	}
	return v.String()
}
