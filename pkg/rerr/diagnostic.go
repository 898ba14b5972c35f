package rerr

import (
	"errors"
	"fmt"
)

// Diagnostic is the structured form of an error reported to command line and
// HTTP callers.
type Diagnostic struct {
	Type     string `json:"type"` // "error", "panic", "warning"
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Code     int    `json:"code"`
	Rule     string `json:"rule,omitempty"`
}

func (d Diagnostic) Error() string {
	if d.Filename != "" {
		return fmt.Sprintf("[%s:%d:%d] %s", d.Filename, d.Line, d.Col, d.Message)
	}
	return d.Message
}

// ToDiagnostic converts any error into a Diagnostic.
func ToDiagnostic(err error) Diagnostic {
	var d Diagnostic
	if errors.As(err, &d) {
		return d
	}
	var e *Error
	if errors.As(err, &e) {
		return Diagnostic{
			Type:     "error",
			Message:  e.Error(),
			Filename: e.Pos.File,
			Line:     e.Pos.Line,
			Col:      e.Pos.Col,
			Code:     int(e.Code),
		}
	}
	return Diagnostic{Type: "error", Message: err.Error(), Code: int(RuntimeError)}
}
