package parser

import (
	"os"
	"strings"

	"nre/pkg/ast"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
)

type Parser struct {
	l    *Lexer
	file string
	cur  Token
	peek Token
}

func New(src, file string) *Parser {
	p := &Parser{l: NewLexer(src), file: file}
	p.next()
	p.next()
	return p
}

// ParseFile reads and parses a rule base file.
func ParseFile(path string) ([]*ruleindex.RuleDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(string(data), path)
}

// ParseRules parses a sequence of rule, function and data declarations.
func ParseRules(src, file string) ([]*ruleindex.RuleDesc, error) {
	p := New(src, file)
	var out []*ruleindex.RuleDesc
	for p.cur.Type != TokenEOF {
		if p.cur.Type == TokenSemicolon {
			p.next()
			continue
		}
		decls, err := p.parseDecl()
		if err != nil {
			return nil, err
		}
		out = append(out, decls...)
	}
	return out, nil
}

// ParseExpr parses a single expression.
func ParseExpr(src string) (*ast.Node, error) {
	p := New(src, "expr")
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Type != TokenEOF {
		return nil, p.errorf("unexpected %q after expression", p.cur.Literal)
	}
	return e, nil
}

// ParseActions parses an action sequence, such as the body handed to
// delayExec or typed at the command line.
func ParseActions(src, file string) (*ast.Node, error) {
	p := New(src, file)
	pos := p.pos()
	acts, recos, err := p.parseItems(TokenEOF)
	if err != nil {
		return nil, err
	}
	return block(pos, acts, recos), nil
}

func (p *Parser) next() {
	p.cur = p.peek
	p.peek = p.l.NextToken()
}

func (p *Parser) pos() ast.Pos {
	return ast.Pos{File: p.file, Line: p.cur.Line, Col: p.cur.Column}
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return rerr.At(p.pos(), rerr.ParserError, format, args...)
}

func (p *Parser) expect(t TokenType) (Token, error) {
	if p.cur.Type != t {
		if p.cur.Type == TokenEOF {
			return p.cur, p.errorf("expected %s, found end of input", t)
		}
		return p.cur, p.errorf("expected %s, found %q", t, p.cur.Literal)
	}
	tok := p.cur
	p.next()
	return tok, nil
}

func (p *Parser) isWord(w string) bool { return p.cur.Type == TokenIdentifier && p.cur.Literal == w }
func (p *Parser) isOp(op string) bool  { return p.cur.Type == TokenOp && p.cur.Literal == op }

func (p *Parser) expectWord(w string) error {
	if !p.isWord(w) {
		return p.errorf("expected %q, found %q", w, p.cur.Literal)
	}
	p.next()
	return nil
}

func (p *Parser) expectOp(op string) error {
	if !p.isOp(op) {
		return p.errorf("expected %q, found %q", op, p.cur.Literal)
	}
	p.next()
	return nil
}

func nop(pos ast.Pos) *ast.Node { return ast.Apply("nop", pos) }

func block(pos ast.Pos, acts, recos []*ast.Node) *ast.Node {
	return ast.NewActionsRecovery(pos, ast.NewActions(pos, acts...), ast.NewActions(pos, recos...))
}

// unwrap strips parentheses that only group.
func unwrap(n *ast.Node) *ast.Node {
	for n.Kind == ast.Tuple && !n.ConstructTuple && len(n.Children) == 1 {
		n = n.Children[0]
	}
	return n
}

func (p *Parser) parseDecl() ([]*ruleindex.RuleDesc, error) {
	if p.cur.Type != TokenIdentifier {
		return nil, p.errorf("expected rule name, found %q", p.cur.Literal)
	}
	if p.isWord("data") && p.peek.Type == TokenIdentifier {
		return p.parseData()
	}

	pos := p.pos()
	name := p.cur.Literal
	p.next()

	var params []*ast.Node
	if p.cur.Type == TokenLParen {
		var err error
		if params, err = p.parseParams(); err != nil {
			return nil, err
		}
	}

	switch {
	case p.isOp("="):
		p.next()
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return []*ruleindex.RuleDesc{{
			Kind:          ruleindex.Function,
			Node:          ast.NewRule(name, pos, params, nil, body, nil),
			DynamicTyping: true,
		}}, nil

	case p.cur.Type == TokenColon:
		p.next()
		guard, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		guard = unwrap(guard)
		bpos := p.pos()
		acts, recos, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		if !p.isWord("else") {
			return []*ruleindex.RuleDesc{relation(name, pos, params, guard, bpos, acts, recos)}, nil
		}
		p.next()
		epos := p.pos()
		eacts, erecos, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		cond := ast.Apply("if", pos, guard, block(bpos, acts, recos), block(epos, eacts, erecos))
		return []*ruleindex.RuleDesc{relation(name, pos, params, nil, bpos, []*ast.Node{cond}, []*ast.Node{nop(pos)})}, nil

	case p.cur.Type == TokenLBrace && (p.peek.Type == TokenIdentifier && (p.peek.Literal == "on" || p.peek.Literal == "or")):
		p.next()
		return p.parseClauses(name, pos, params)

	case p.cur.Type == TokenLBrace:
		bpos := p.pos()
		acts, recos, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return []*ruleindex.RuleDesc{relation(name, pos, params, nil, bpos, acts, recos)}, nil
	}
	return nil, p.errorf("expected rule body after %s, found %q", name, p.cur.Literal)
}

func relation(name string, pos ast.Pos, params []*ast.Node, guard *ast.Node, bpos ast.Pos, acts, recos []*ast.Node) *ruleindex.RuleDesc {
	return &ruleindex.RuleDesc{
		Kind:          ruleindex.Relation,
		Node:          ast.NewRule(name, pos, params, guard, ast.NewActions(bpos, acts...), ast.NewActions(bpos, recos...)),
		DynamicTyping: true,
	}
}

// parseClauses reads "on (guard) { ... }" alternatives up to the closing
// brace of the rule. "or { ... }" is an unconditional alternative.
func (p *Parser) parseClauses(name string, pos ast.Pos, params []*ast.Node) ([]*ruleindex.RuleDesc, error) {
	var out []*ruleindex.RuleDesc
	for p.cur.Type != TokenRBrace {
		var guard *ast.Node
		switch {
		case p.isWord("on"):
			p.next()
			g, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			guard = unwrap(g)
		case p.isWord("or"):
			p.next()
		default:
			return nil, p.errorf("expected on or or clause, found %q", p.cur.Literal)
		}
		bpos := p.pos()
		acts, recos, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, relation(name, pos, params, guard, bpos, acts, recos))
	}
	p.next()
	return out, nil
}

func (p *Parser) parseData() ([]*ruleindex.RuleDesc, error) {
	p.next()
	pos := p.pos()
	name := p.cur.Literal
	p.next()
	kind := ruleindex.Data
	var params []*ast.Node
	if p.cur.Type == TokenLParen {
		var err error
		if params, err = p.parseParams(); err != nil {
			return nil, err
		}
		kind = ruleindex.Constructor
	}
	return []*ruleindex.RuleDesc{{
		Kind: kind,
		Node: ast.NewRule(name, pos, params, nil, ast.NewActions(pos), nil),
	}}, nil
}

func (p *Parser) parseParams() ([]*ast.Node, error) {
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	var params []*ast.Node
	for p.cur.Type != TokenRParen {
		tok, err := p.expect(TokenVar)
		if err != nil {
			return nil, err
		}
		params = append(params, ast.Var(tok.Literal, ast.Pos{File: p.file, Line: tok.Line, Col: tok.Column}))
		if p.cur.Type == TokenComma {
			p.next()
		} else if p.cur.Type != TokenRParen {
			return nil, p.errorf("expected , or ) in parameter list, found %q", p.cur.Literal)
		}
	}
	p.next()
	return params, nil
}

// parseBlock reads "{ items }" and returns parallel action and recovery
// lists. Actions without an explicit recovery get nop.
func (p *Parser) parseBlock() ([]*ast.Node, []*ast.Node, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, nil, err
	}
	acts, recos, err := p.parseItems(TokenRBrace)
	if err != nil {
		return nil, nil, err
	}
	p.next()
	return acts, recos, nil
}

func (p *Parser) parseBlockNode() (*ast.Node, error) {
	pos := p.pos()
	acts, recos, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return block(pos, acts, recos), nil
}

func (p *Parser) parseItems(end TokenType) ([]*ast.Node, []*ast.Node, error) {
	var acts, recos []*ast.Node
	for p.cur.Type != end {
		if p.cur.Type == TokenEOF {
			return nil, nil, p.errorf("unterminated action block")
		}
		if p.cur.Type == TokenSemicolon {
			p.next()
			continue
		}
		act, err := p.parseStmt()
		if err != nil {
			return nil, nil, err
		}
		reco := nop(act.Pos)
		if p.cur.Type == TokenRecovery {
			p.next()
			if reco, err = p.parseStmt(); err != nil {
				return nil, nil, err
			}
		}
		acts = append(acts, act)
		recos = append(recos, reco)
	}
	return acts, recos, nil
}

func (p *Parser) parseStmt() (*ast.Node, error) {
	pos := p.pos()
	if p.cur.Type == TokenIdentifier {
		switch p.cur.Literal {
		case "if":
			return p.parseIf()
		case "while":
			p.next()
			cond, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			body, err := p.parseBlockNode()
			if err != nil {
				return nil, err
			}
			return ast.Apply("while", pos, unwrap(cond), body), nil
		case "foreach":
			return p.parseForeach()
		case "for":
			return p.parseFor()
		case "cut":
			if p.peek.Type != TokenLParen {
				p.next()
				return ast.Apply("cut", pos), nil
			}
		}
	}
	return p.parseSimple()
}

// parseSimple reads an expression or an assignment.
func (p *Parser) parseSimple() (*ast.Node, error) {
	pos := p.pos()
	lhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.isOp("=") {
		return lhs, nil
	}
	p.next()
	rhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ast.Apply("assign", pos, lhs, rhs), nil
}

func (p *Parser) parseIf() (*ast.Node, error) {
	pos := p.pos()
	p.next()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	cond = unwrap(cond)

	if p.isWord("then") {
		return p.parseIfExprTail(pos, cond)
	}

	then, err := p.parseBlockNode()
	if err != nil {
		return nil, err
	}
	var els *ast.Node
	switch {
	case p.isWord("else") && p.peek.Type == TokenIdentifier && p.peek.Literal == "if":
		p.next()
		epos := p.pos()
		nested, err := p.parseIf()
		if err != nil {
			return nil, err
		}
		els = block(epos, []*ast.Node{nested}, []*ast.Node{nop(epos)})
	case p.isWord("else"):
		p.next()
		if els, err = p.parseBlockNode(); err != nil {
			return nil, err
		}
	default:
		els = block(pos, nil, nil)
	}
	return ast.Apply("if", pos, cond, then, els), nil
}

func (p *Parser) parseIfExprTail(pos ast.Pos, cond *ast.Node) (*ast.Node, error) {
	if err := p.expectWord("then"); err != nil {
		return nil, err
	}
	a, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("else"); err != nil {
		return nil, err
	}
	b, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ast.Apply("if2", pos, cond, a, b), nil
}

func (p *Parser) parseForeach() (*ast.Node, error) {
	pos := p.pos()
	p.next()
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	tok, err := p.expect(TokenVar)
	if err != nil {
		return nil, err
	}
	v := ast.Var(tok.Literal, ast.Pos{File: p.file, Line: tok.Line, Col: tok.Column})
	coll := v
	if p.isWord("in") {
		p.next()
		if coll, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	body, err := p.parseBlockNode()
	if err != nil {
		return nil, err
	}
	return ast.Apply("foreach", pos, v, coll, body), nil
}

func (p *Parser) parseFor() (*ast.Node, error) {
	pos := p.pos()
	p.next()
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	init, err := p.parseSimple()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenSemicolon); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenSemicolon); err != nil {
		return nil, err
	}
	step, err := p.parseSimple()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	body, err := p.parseBlockNode()
	if err != nil {
		return nil, err
	}
	return ast.Apply("for", pos, init, unwrap(cond), step, body), nil
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3, "<": 3, ">": 3, "<=": 3, ">=": 3, "like": 3,
	"++": 4, "+": 4, "-": 4,
	"*": 5, "/": 5, "%": 5,
	"^": 6,
}

// binaryOp returns the operator at the cursor and its precedence, or 0.
func (p *Parser) binaryOp() (string, int) {
	switch p.cur.Type {
	case TokenOp:
		return p.cur.Literal, precedence[p.cur.Literal]
	case TokenIdentifier:
		switch {
		case p.cur.Literal == "like":
			return "like", 3
		case p.cur.Literal == "not" && p.peek.Type == TokenIdentifier && p.peek.Literal == "like":
			return "not like", 3
		}
	}
	return "", 0
}

// consumeOp advances past the operator and resolves the "regex" suffix.
func (p *Parser) consumeOp(op string) string {
	p.next()
	if op == "not like" {
		p.next()
	}
	if (op == "like" || op == "not like") && p.isWord("regex") {
		p.next()
		op += " regex"
	}
	return op
}

func (p *Parser) parseExpr() (*ast.Node, error) {
	return p.parseBinary(1)
}

func (p *Parser) parseBinary(minPrec int) (*ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, prec := p.binaryOp()
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		pos := p.pos()
		op = p.consumeOp(op)
		next := prec + 1
		if op == "^" {
			next = prec
		}
		right, err := p.parseBinary(next)
		if err != nil {
			return nil, err
		}
		left = ast.Apply(op, pos, left, right)
	}
}

func (p *Parser) parseUnary() (*ast.Node, error) {
	pos := p.pos()
	switch {
	case p.isOp("-"):
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return ast.Apply("neg", pos, operand), nil
	case p.isOp("!"):
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return ast.Apply("!", pos, operand), nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (*ast.Node, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for e.Kind == ast.TkVar && p.isOp(".") && p.peek.Type == TokenIdentifier {
		pos := p.pos()
		p.next()
		key := ast.String(p.cur.Literal, p.pos())
		p.next()
		e = ast.Apply(".", pos, e, key)
	}
	return e, nil
}

func (p *Parser) parsePrimary() (*ast.Node, error) {
	pos := p.pos()
	tok := p.cur
	switch tok.Type {
	case TokenInt:
		p.next()
		return ast.Int(tok.Literal, pos), nil
	case TokenDouble:
		p.next()
		return ast.Double(tok.Literal, pos), nil
	case TokenString:
		p.next()
		return interpolate(tok.Literal, pos), nil
	case TokenVar:
		p.next()
		return ast.Var(tok.Literal, pos), nil
	case TokenLParen:
		return p.parseParen()
	case TokenLBrace:
		return p.parseBlockNode()
	case TokenIdentifier:
		switch tok.Literal {
		case "true", "false":
			p.next()
			return ast.Bool(tok.Literal == "true", pos), nil
		case "if":
			p.next()
			cond, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return p.parseIfExprTail(pos, unwrap(cond))
		case "match":
			return p.parseMatch()
		case "let":
			return p.parseLet()
		}
		p.next()
		if p.cur.Type != TokenLParen {
			return ast.Text(tok.Literal, pos), nil
		}
		args, _, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return ast.Apply(tok.Literal, pos, args...), nil
	case TokenEOF:
		return nil, p.errorf("unexpected end of input")
	}
	return nil, p.errorf("unexpected %q", tok.Literal)
}

// parseList reads "(e1, e2, ...)" and reports whether a trailing comma was
// present.
func (p *Parser) parseList() ([]*ast.Node, bool, error) {
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, false, err
	}
	var elems []*ast.Node
	trailing := false
	for p.cur.Type != TokenRParen {
		e, err := p.parseExpr()
		if err != nil {
			return nil, false, err
		}
		elems = append(elems, e)
		trailing = false
		if p.cur.Type == TokenComma {
			p.next()
			trailing = true
		} else if p.cur.Type != TokenRParen {
			return nil, false, p.errorf("expected , or ), found %q", p.cur.Literal)
		}
	}
	p.next()
	return elems, trailing, nil
}

func (p *Parser) parseParen() (*ast.Node, error) {
	pos := p.pos()
	elems, trailing, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 || (len(elems) == 1 && trailing) {
		return ast.NewConstructTuple(pos, elems...), nil
	}
	return ast.NewTuple(pos, elems...), nil
}

func (p *Parser) parseMatch() (*ast.Node, error) {
	pos := p.pos()
	p.next()
	subject, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("with"); err != nil {
		return nil, err
	}
	args := []*ast.Node{subject}
	for p.isOp("|") {
		cpos := p.pos()
		p.next()
		pat, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("=>"); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, ast.NewConstructTuple(cpos, pat, body))
	}
	if len(args) == 1 {
		return nil, p.errorf("match without cases")
	}
	return ast.Apply("match", pos, args...), nil
}

func (p *Parser) parseLet() (*ast.Node, error) {
	pos := p.pos()
	p.next()
	pat, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp("="); err != nil {
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("in"); err != nil {
		return nil, err
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ast.Apply("let", pos, pat, val, body), nil
}

// interpolate turns "text *var text" into a concatenation. "\*" is a literal
// star.
func interpolate(raw string, pos ast.Pos) *ast.Node {
	var parts []*ast.Node
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\\' && i+1 < len(raw) && raw[i+1] == '*' {
			sb.WriteByte('*')
			i++
			continue
		}
		if c == '*' && i+1 < len(raw) && isIdentStart(raw[i+1]) {
			j := i + 1
			for j < len(raw) && (isIdentStart(raw[j]) || isDigit(raw[j])) {
				j++
			}
			if sb.Len() > 0 {
				parts = append(parts, ast.String(sb.String(), pos))
				sb.Reset()
			}
			parts = append(parts, ast.Apply("str", pos, ast.Var(raw[i:j], pos)))
			i = j - 1
			continue
		}
		sb.WriteByte(c)
	}
	if len(parts) == 0 {
		return ast.String(sb.String(), pos)
	}
	if sb.Len() > 0 {
		parts = append(parts, ast.String(sb.String(), pos))
	}
	out := parts[0]
	for _, part := range parts[1:] {
		out = ast.Apply("++", pos, out, part)
	}
	if len(parts) == 1 {
		out = ast.Apply("++", pos, ast.String("", pos), out)
	}
	return out
}
