package types

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	Unknown Kind = iota
	Dynamic
	Int
	Double
	Bool
	String
	Datetime
	Path
	Tuple
	Cons
	Var
	Flex
	Fixd
	Func
	Unspeced
	Opaque
)

var kindNames = [...]string{
	Unknown:  "unknown",
	Dynamic:  "?",
	Int:      "integer",
	Double:   "double",
	Bool:     "boolean",
	String:   "string",
	Datetime: "time",
	Path:     "path",
	Tuple:    "tuple",
	Cons:     "cons",
	Var:      "var",
	Flex:     "flex",
	Fixd:     "fixd",
	Func:     "func",
	Unspeced: "unspeced",
	Opaque:   "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Type describes the expected type of a value at a coercion point.
//
//   - Tuple: Args are the components.
//   - Cons: Name is the constructor, Args its parameters.
//   - Var: VarID identifies the variable, Args are the allowed disjuncts.
//   - Flex: Args[0] is the coercion target, Future an optional union stamped
//     onto the result.
//   - Fixd: Args[0] is the source type and Args[1] the target.
//   - Func: Args[0] is the parameter tuple and Args[1] the result.
//   - Opaque: Name is the plugin type name.
type Type struct {
	Kind   Kind
	Name   string
	VarID  int
	Args   []*Type
	Future *Type
}

var (
	DynamicT  = &Type{Kind: Dynamic}
	IntT      = &Type{Kind: Int}
	DoubleT   = &Type{Kind: Double}
	BoolT     = &Type{Kind: Bool}
	StringT   = &Type{Kind: String}
	DatetimeT = &Type{Kind: Datetime}
	PathT     = &Type{Kind: Path}
	UnspecedT = &Type{Kind: Unspeced}
)

// Simple returns the shared descriptor of a scalar kind.
func Simple(k Kind) *Type {
	switch k {
	case Dynamic:
		return DynamicT
	case Int:
		return IntT
	case Double:
		return DoubleT
	case Bool:
		return BoolT
	case String:
		return StringT
	case Datetime:
		return DatetimeT
	case Path:
		return PathT
	case Unspeced:
		return UnspecedT
	}
	return &Type{Kind: k}
}

// NewVar creates a type variable restricted to the given disjuncts. An empty
// disjunct list means unrestricted.
func NewVar(id int, disjuncts ...*Type) *Type {
	return &Type{Kind: Var, VarID: id, Args: disjuncts}
}

// NewFlex marks target as a flexible coercion point.
func NewFlex(target *Type) *Type {
	return &Type{Kind: Flex, Args: []*Type{target}}
}

// NewFlexFuture is a flexible coercion point that stamps future onto its result.
func NewFlexFuture(target, future *Type) *Type {
	return &Type{Kind: Flex, Args: []*Type{target}, Future: future}
}

func NewFixd(from, to *Type) *Type {
	return &Type{Kind: Fixd, Args: []*Type{from, to}}
}

func NewTuple(comps ...*Type) *Type {
	return &Type{Kind: Tuple, Args: comps}
}

func NewCons(name string, args ...*Type) *Type {
	return &Type{Kind: Cons, Name: name, Args: args}
}

func NewFunc(params *Type, result *Type) *Type {
	return &Type{Kind: Func, Args: []*Type{params, result}}
}

func NewOpaque(name string) *Type {
	return &Type{Kind: Opaque, Name: name}
}

// Disjuncts returns the allowed types of a variable.
func (t *Type) Disjuncts() []*Type {
	if t.Kind != Var {
		return nil
	}
	return t.Args
}

// Target unwraps flexible and fixed coercion markers.
func (t *Type) Target() *Type {
	switch t.Kind {
	case Flex:
		return t.Args[0]
	case Fixd:
		return t.Args[1]
	}
	return t
}

// EqualSyntactic compares two descriptors structurally. Type variables are
// equal when their ids match.
func EqualSyntactic(a, b *Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Var:
		return a.VarID == b.VarID
	case Cons, Opaque:
		if a.Name != b.Name {
			return false
		}
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if !EqualSyntactic(a.Args[i], b.Args[i]) {
			return false
		}
	}
	return true
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case Var:
		if len(t.Args) == 0 {
			return fmt.Sprintf("?%d", t.VarID)
		}
		parts := make([]string, len(t.Args))
		for i, d := range t.Args {
			parts[i] = d.String()
		}
		return fmt.Sprintf("%d{%s}", t.VarID, strings.Join(parts, " "))
	case Flex:
		return "f " + t.Args[0].String()
	case Fixd:
		return t.Args[0].String() + " => " + t.Args[1].String()
	case Tuple:
		parts := make([]string, len(t.Args))
		for i, c := range t.Args {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " * ") + ")"
	case Cons:
		if len(t.Args) == 0 {
			return t.Name
		}
		parts := make([]string, len(t.Args))
		for i, c := range t.Args {
			parts[i] = c.String()
		}
		return t.Name + "(" + strings.Join(parts, ", ") + ")"
	case Func:
		return t.Args[0].String() + " -> " + t.Args[1].String()
	case Opaque:
		return "opaque " + t.Name
	}
	return t.Kind.String()
}

// Bindings maps type variable ids to the type chosen for them during one
// function application.
type Bindings map[int]*Type

// Resolve follows a variable binding.
func (b Bindings) Resolve(t *Type) *Type {
	for t != nil && t.Kind == Var {
		bound, ok := b[t.VarID]
		if !ok {
			return t
		}
		t = bound
	}
	return t
}
