package env

import (
	"sort"

	"nre/pkg/region"
	"nre/pkg/symtab"
	"nre/pkg/value"
)

const defaultCapacity = 16

// Env is one lexical scope. Lookups walk Previous; Lower is the caller's
// scope and is only consulted by introspection.
//
// OWNERSHIP: an Env created with NewInRegion dies with its region.
type Env struct {
	current  *symtab.Table[value.Value]
	previous *Env
	lower    *Env
}

// New creates a heap-backed scope.
func New(previous, lower *Env) *Env {
	return &Env{current: symtab.New[value.Value](defaultCapacity), previous: previous, lower: lower}
}

// NewInRegion creates a scope whose key storage lives in r.
func NewInRegion(r *region.Region, previous, lower *Env) *Env {
	return &Env{current: symtab.NewInRegion[value.Value](r, defaultCapacity), previous: previous, lower: lower}
}

func (e *Env) Previous() *Env { return e.previous }
func (e *Env) Lower() *Env    { return e.lower }

// Global returns the outermost scope reachable through Previous.
func (e *Env) Global() *Env {
	for e.previous != nil {
		e = e.previous
	}
	return e
}

// Lookup finds name in this scope or any lexical parent.
func (e *Env) Lookup(name string) (value.Value, bool) {
	for s := e; s != nil; s = s.previous {
		if v, ok := s.current.Lookup(name); ok {
			return v, true
		}
	}
	return value.Value{}, false
}

// LookupLocal only looks at this scope.
func (e *Env) LookupLocal(name string) (value.Value, bool) {
	return e.current.Lookup(name)
}

// Insert binds name in this scope. It reports false when the name is already
// bound here.
func (e *Env) Insert(name string, v value.Value) (bool, error) {
	return e.current.Insert(name, v)
}

// Update rebinds name in the first scope that defines it.
func (e *Env) Update(name string, v value.Value) bool {
	for s := e; s != nil; s = s.previous {
		if s.current.Update(name, v) {
			return true
		}
	}
	return false
}

// Set updates an existing binding anywhere in the chain, or creates one here.
func (e *Env) Set(name string, v value.Value) error {
	if e.Update(name, v) {
		return nil
	}
	_, err := e.current.Insert(name, v)
	return err
}

// Keys returns the names visible from this scope, sorted, without duplicates.
func (e *Env) Keys() []string {
	seen := map[string]struct{}{}
	for s := e; s != nil; s = s.previous {
		for _, k := range s.current.Keys() {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies every visible binding into a plain map. Inner scopes shadow
// outer ones.
func (e *Env) Snapshot() map[string]value.Value {
	out := map[string]value.Value{}
	for s := e; s != nil; s = s.previous {
		s.current.Range(func(k string, v value.Value) bool {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
			return true
		})
	}
	return out
}
