package parser

import (
	"strings"
	"unicode"
)

type TokenType string

const (
	TokenIdentifier TokenType = "IDENTIFIER"
	TokenVar        TokenType = "VAR"
	TokenInt        TokenType = "INT"
	TokenDouble     TokenType = "DOUBLE"
	TokenString     TokenType = "STRING"
	TokenOp         TokenType = "OP"
	TokenLParen     TokenType = "LPAREN"
	TokenRParen     TokenType = "RPAREN"
	TokenLBrace     TokenType = "LBRACE"
	TokenRBrace     TokenType = "RBRACE"
	TokenComma      TokenType = "COMMA"
	TokenSemicolon  TokenType = "SEMICOLON"
	TokenColon      TokenType = "COLON"
	TokenRecovery   TokenType = "RECOVERY"
	TokenEOF        TokenType = "EOF"
	TokenError      TokenType = "ERROR"
)

type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

type Lexer struct {
	input        string
	position     int  // current character
	readPosition int  // next character
	ch           byte // character under examination
	line         int
	col          int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1, col: 0}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.col++
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) peekAt(n int) byte {
	i := l.position + n
	if i >= len(l.input) {
		return 0
	}
	return l.input[i]
}

// multi-character operators, longest first
var operators = []string{":::", "&&", "||", "==", "!=", "<=", ">=", "++", "=>", "+", "-", "*", "/", "%", "^", "<", ">", "=", "!", "|", "."}

func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	tok := Token{Line: l.line, Column: l.col}
	switch {
	case l.ch == 0:
		tok.Type = TokenEOF
		return tok
	case l.ch == '"' || l.ch == '\'':
		tok.Type = TokenString
		tok.Literal = l.readString(l.ch)
		return tok
	case (l.ch == '*' || l.ch == '$') && isIdentStart(l.peekChar()):
		sigil := l.ch
		l.readChar()
		tok.Type = TokenVar
		tok.Literal = string(sigil) + l.readIdentifier()
		return tok
	case isIdentStart(l.ch):
		tok.Type = TokenIdentifier
		tok.Literal = l.readIdentifier()
		return tok
	case l.ch == '~' && isIdentStart(l.peekChar()):
		// matcher rule names
		l.readChar()
		tok.Type = TokenIdentifier
		tok.Literal = "~" + l.readIdentifier()
		return tok
	case isDigit(l.ch):
		tok.Literal, tok.Type = l.readNumber()
		return tok
	}

	single := map[byte]TokenType{
		'(': TokenLParen, ')': TokenRParen, '{': TokenLBrace, '}': TokenRBrace,
		',': TokenComma, ';': TokenSemicolon,
	}
	if t, ok := single[l.ch]; ok {
		tok.Type = t
		tok.Literal = string(l.ch)
		l.readChar()
		return tok
	}

	rest := l.input[l.position:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			for range op {
				l.readChar()
			}
			tok.Literal = op
			switch op {
			case ":::":
				tok.Type = TokenRecovery
			default:
				tok.Type = TokenOp
			}
			return tok
		}
	}
	if l.ch == ':' {
		tok.Type = TokenColon
		tok.Literal = ":"
		l.readChar()
		return tok
	}

	tok.Type = TokenError
	tok.Literal = string(l.ch)
	l.readChar()
	return tok
}

func (l *Lexer) readIdentifier() string {
	position := l.position
	for isIdentStart(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *Lexer) readNumber() (string, TokenType) {
	position := l.position
	typ := TokenInt
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		typ = TokenDouble
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if (l.ch == 'e' || l.ch == 'E') && (isDigit(l.peekChar()) || (l.peekChar() == '-' || l.peekChar() == '+') && isDigit(l.peekAt(2))) {
		typ = TokenDouble
		l.readChar()
		if l.ch == '-' || l.ch == '+' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[position:l.position], typ
}

// readString keeps "\*" escaped so the parser can tell literal stars from
// interpolated variables.
func (l *Lexer) readString(quote byte) string {
	l.readChar() // skip starting quote
	var sb strings.Builder

	for l.ch != quote && l.ch != 0 {
		if l.ch == '\\' {
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '"', '\'', '\\':
				sb.WriteByte(l.ch)
			case '*':
				sb.WriteString("\\*")
			default:
				sb.WriteByte('\\')
				sb.WriteByte(l.ch)
			}
		} else {
			if l.ch == '\n' {
				l.line++
				l.col = 0
			}
			sb.WriteByte(l.ch)
		}
		l.readChar()
	}

	if l.ch == quote {
		l.readChar() // consume closing quote
	}
	return sb.String()
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		if unicode.IsSpace(rune(l.ch)) {
			if l.ch == '\n' {
				l.line++
				l.col = 0
			}
			l.readChar()
			continue
		}
		if l.ch == '/' && l.peekChar() == '/' || l.ch == '#' {
			l.skipLineComment()
			continue
		}
		break
	}
}

func (l *Lexer) skipLineComment() {
	for l.ch != '\n' && l.ch != 0 {
		l.readChar()
	}
}

func isIdentStart(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
