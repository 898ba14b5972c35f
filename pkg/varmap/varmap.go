// Package varmap resolves $session variables against the execution context
// handed in by the surrounding server.
package varmap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cast"

	"nre/pkg/types"
	"nre/pkg/value"
)

// ErrNoContext is returned when a session variable is accessed without an
// execution context.
var ErrNoContext = errors.New("varmap: no execution context")

// ExecInfo is the ambient state of one server-side operation.
type ExecInfo struct {
	ObjPath        string
	CollName       string
	DataType       string
	RescName       string
	UserNameClient string
	UserNameProxy  string
	ZoneName       string
	ClientAddr     string
	DataSize       int64
	Status         int

	// Extra holds server specific values not covered by the fixed fields.
	Extra map[string]string
}

type Getter func(ei *ExecInfo) (value.Value, error)
type Setter func(ei *ExecInfo, v value.Value) error

// Var describes one session variable. Set is nil for read-only variables.
type Var struct {
	Name string
	Type *types.Type
	Get  Getter
	Set  Setter
}

// Map is the table of known session variables.
type Map struct {
	mu   sync.RWMutex
	vars map[string]Var
}

func New() *Map {
	return &Map{vars: make(map[string]Var)}
}

// Register adds or replaces a variable.
func (m *Map) Register(v Var) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[v.Name] = v
}

// Resolve looks up a variable by name, without the leading "$".
func (m *Map) Resolve(name string) (Var, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

// Names returns the registered names, sorted.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.vars))
	for k := range m.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringField(name string, field func(ei *ExecInfo) *string) Var {
	return Var{
		Name: name,
		Type: types.StringT,
		Get: func(ei *ExecInfo) (value.Value, error) {
			if ei == nil {
				return value.Value{}, ErrNoContext
			}
			return value.String(*field(ei)), nil
		},
		Set: func(ei *ExecInfo, v value.Value) error {
			if ei == nil {
				return ErrNoContext
			}
			*field(ei) = v.String()
			return nil
		},
	}
}

// Default returns the map with the standard data object and user variables.
func Default() *Map {
	m := New()
	m.Register(stringField("objPath", func(ei *ExecInfo) *string { return &ei.ObjPath }))
	m.Register(stringField("collName", func(ei *ExecInfo) *string { return &ei.CollName }))
	m.Register(stringField("dataType", func(ei *ExecInfo) *string { return &ei.DataType }))
	m.Register(stringField("rescName", func(ei *ExecInfo) *string { return &ei.RescName }))
	m.Register(stringField("userNameClient", func(ei *ExecInfo) *string { return &ei.UserNameClient }))
	m.Register(stringField("userNameProxy", func(ei *ExecInfo) *string { return &ei.UserNameProxy }))
	m.Register(stringField("rodsZoneClient", func(ei *ExecInfo) *string { return &ei.ZoneName }))
	m.Register(stringField("clientAddr", func(ei *ExecInfo) *string { return &ei.ClientAddr }))

	m.Register(Var{
		Name: "dataSize",
		Type: types.IntT,
		Get: func(ei *ExecInfo) (value.Value, error) {
			if ei == nil {
				return value.Value{}, ErrNoContext
			}
			return value.Int(ei.DataSize), nil
		},
		Set: func(ei *ExecInfo, v value.Value) error {
			if ei == nil {
				return ErrNoContext
			}
			n, err := cast.ToInt64E(v.Native())
			if err != nil {
				return fmt.Errorf("dataSize: %w", err)
			}
			ei.DataSize = n
			return nil
		},
	})
	m.Register(Var{
		Name: "status",
		Type: types.IntT,
		Get: func(ei *ExecInfo) (value.Value, error) {
			if ei == nil {
				return value.Value{}, ErrNoContext
			}
			return value.Int(int64(ei.Status)), nil
		},
		Set: func(ei *ExecInfo, v value.Value) error {
			if ei == nil {
				return ErrNoContext
			}
			n, err := cast.ToIntE(v.Native())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			ei.Status = n
			return nil
		},
	})
	return m
}

// ExtraVar exposes ei.Extra[key] as a string variable.
func ExtraVar(name, key string) Var {
	return Var{
		Name: name,
		Type: types.StringT,
		Get: func(ei *ExecInfo) (value.Value, error) {
			if ei == nil {
				return value.Value{}, ErrNoContext
			}
			s, ok := ei.Extra[key]
			if !ok {
				return value.Value{}, fmt.Errorf("%s is not set", key)
			}
			return value.String(s), nil
		},
		Set: func(ei *ExecInfo, v value.Value) error {
			if ei == nil {
				return ErrNoContext
			}
			if ei.Extra == nil {
				ei.Extra = map[string]string{}
			}
			ei.Extra[key] = v.String()
			return nil
		},
	}
}
