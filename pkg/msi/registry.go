// Package msi is the table of external actions ("microservices") that rules
// call like functions.
package msi

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"nre/pkg/dbmanager"
	"nre/pkg/value"
	"nre/pkg/varmap"
)

// IOType tells the evaluator how to marshal one argument.
type IOType uint8

const (
	Input IOType = iota
	Output
	InputOutput
	Dynamic
	Expression
	Actions
)

var ioNames = [...]string{"i", "o", "io", "d", "e", "a"}

func (t IOType) String() string {
	if int(t) < len(ioNames) {
		return ioNames[t]
	}
	return "?"
}

// Call is the argument bundle handed to a microservice. Output arguments are
// written back by assigning to Args[i].
type Call struct {
	Name   string
	Args   []value.Value
	Exec   *varmap.ExecInfo
	Locals map[string]value.Value
	Logger *slog.Logger
	DB     *dbmanager.DBManager
}

// Func returns a status; a negative status is reported as an error with that
// code. A non-nil error takes precedence over the status.
type Func func(ctx context.Context, c *Call) (int, error)

type Meta struct {
	Description string
	Params      []IOType
}

type Entry struct {
	Name string
	Fn   Func
	Meta Meta
}

func (e *Entry) Arity() int   { return len(e.Meta.Params) }
func (e *Entry) IO() []IOType { return e.Meta.Params }

// Registry maps names to microservices.
//
// THREAD-SAFETY: safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces a microservice.
func (r *Registry) Register(name string, fn Func, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{Name: name, Fn: fn, Meta: meta}
}

func (r *Registry) Lookup(name string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
