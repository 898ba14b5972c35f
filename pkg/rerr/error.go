package rerr

import (
	"errors"
	"fmt"
	"strings"
)

// Pos is a source location inside a rule file.
type Pos struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

func (p Pos) String() string {
	if p.File == "" {
		return fmt.Sprintf("line %d, col %d", p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// Error is the evaluator's error value. Code is the integer status handed back
// to the surrounding server; Msg and Pos are for humans.
type Error struct {
	Code Code
	Msg  string
	Pos  Pos
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	fmt.Fprintf(&b, " (%d)", int(e.Code))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Pos.Line > 0 {
		b.WriteString(" at ")
		b.WriteString(e.Pos.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and a message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// At creates an error bound to a source position.
func At(pos Pos, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Pos: pos}
}

// Wrap attaches a code to a lower level error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the status code of err. nil maps to 0 and foreign errors to
// RuntimeError.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RuntimeError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Settle replaces a control-flow sentinel with the failure it carries, so a
// cut or retry marker never reaches the caller of a top-level evaluation. A
// sentinel with nothing underneath becomes RuleFailed.
func Settle(err error) error {
	var e *Error
	if !errors.As(err, &e) || !e.Code.Sentinel() {
		return err
	}
	for inner := e.Err; inner != nil; {
		var ie *Error
		if !errors.As(inner, &ie) {
			return inner
		}
		if !ie.Code.Sentinel() {
			return ie
		}
		inner = ie.Err
	}
	return &Error{Code: RuleFailed, Msg: e.Msg, Pos: e.Pos}
}

// Message is one entry of the side-channel error list.
type Message struct {
	Code Code   `json:"code"`
	Text string `json:"message"`
	Pos  Pos    `json:"pos"`
}

// List accumulates human readable messages during one evaluation. The status
// itself travels through the returned error.
type List struct {
	msgs []Message
}

func (l *List) Add(code Code, pos Pos, text string) {
	if l == nil {
		return
	}
	l.msgs = append(l.msgs, Message{Code: code, Text: text, Pos: pos})
}

// AddErr records err if it is an evaluator error.
func (l *List) AddErr(err error) {
	if l == nil || err == nil {
		return
	}
	var e *Error
	if errors.As(err, &e) {
		l.Add(e.Code, e.Pos, e.Msg)
		return
	}
	l.Add(RuntimeError, Pos{}, err.Error())
}

func (l *List) Messages() []Message {
	if l == nil {
		return nil
	}
	return l.msgs
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.msgs)
}

func (l *List) Reset() {
	if l != nil {
		l.msgs = l.msgs[:0]
	}
}

func (l *List) String() string {
	var b strings.Builder
	for _, m := range l.Messages() {
		fmt.Fprintf(&b, "%s: %s", m.Code, m.Text)
		if m.Pos.Line > 0 {
			fmt.Fprintf(&b, " (%s)", m.Pos)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
