package engine

import (
	"context"
	"sort"
	"sync"

	"nre/pkg/ast"
	"nre/pkg/env"
	"nre/pkg/msi"
	"nre/pkg/types"
	"nre/pkg/value"
)

type FuncKind uint8

const (
	SystemFunc FuncKind = iota
	RuleFunc
	ConstructorFunc
	ExternalFunc
)

var funcKindNames = [...]string{"system", "rule", "constructor", "external"}

func (k FuncKind) String() string {
	if int(k) < len(funcKindNames) {
		return funcKindNames[k]
	}
	return "unknown"
}

// Builtin is a system function. args holds the marshalled arguments; for
// Expression and Actions parameters the matching entry of nodes carries the
// unevaluated tree. Output parameters are returned by assigning to args[i].
type Builtin func(ctx context.Context, e *Evaluator, args []value.Value, nodes []*ast.Node, en *env.Env, pos ast.Pos) (value.Value, error)

// Sig declares how a system function takes its arguments. Arity is len(IO);
// a variadic function takes at least Arity arguments and repeats the last IO
// type and parameter type.
type Sig struct {
	Description string
	IO          []msi.IOType
	Params      []*types.Type
	Variadic    bool
}

// FunctionDesc is the resolved descriptor of a callable name.
type FunctionDesc struct {
	Name     string
	Kind     FuncKind
	Arity    int
	Variadic bool
	IO       []msi.IOType
	Params   []*types.Type
	Fn       Builtin
	Entry    *msi.Entry
	Doc      string
}

func (d *FunctionDesc) ioAt(i int) msi.IOType {
	if d.Kind == RuleFunc {
		return msi.Dynamic
	}
	if i < len(d.IO) {
		return d.IO[i]
	}
	if d.Variadic && len(d.IO) > 0 {
		return d.IO[len(d.IO)-1]
	}
	return msi.Input
}

func (d *FunctionDesc) paramAt(i int) *types.Type {
	if i < len(d.Params) {
		return d.Params[i]
	}
	if d.Variadic && len(d.Params) > 0 {
		return d.Params[len(d.Params)-1]
	}
	return nil
}

// SysTable holds the system functions.
//
// THREAD-SAFETY: safe for concurrent use; registration normally happens once
// at startup.
type SysTable struct {
	mu    sync.RWMutex
	funcs map[string]*FunctionDesc
}

func NewSysTable() *SysTable {
	return &SysTable{funcs: make(map[string]*FunctionDesc)}
}

// Register adds or replaces a system function.
func (s *SysTable) Register(name string, fn Builtin, sig Sig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = &FunctionDesc{
		Name:     name,
		Kind:     SystemFunc,
		Arity:    len(sig.IO),
		Variadic: sig.Variadic,
		IO:       sig.IO,
		Params:   sig.Params,
		Fn:       fn,
		Doc:      sig.Description,
	}
}

func (s *SysTable) Lookup(name string) (*FunctionDesc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.funcs[name]
	return d, ok
}

// Names returns the registered names, sorted.
func (s *SysTable) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.funcs))
	for k := range s.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	defaultSysOnce sync.Once
	defaultSys     *SysTable
)

// DefaultSys returns the shared table of standard system functions.
func DefaultSys() *SysTable {
	defaultSysOnce.Do(func() {
		defaultSys = NewSysTable()
		RegisterBuiltins(defaultSys)
	})
	return defaultSys
}

// io helpers keep signatures short
func ins(n int) []msi.IOType {
	out := make([]msi.IOType, n)
	for i := range out {
		out[i] = msi.Input
	}
	return out
}

func ios(ts ...msi.IOType) []msi.IOType { return ts }
