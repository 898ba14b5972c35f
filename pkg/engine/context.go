package engine

import (
	"context"
	"log/slog"
	"time"

	"nre/pkg/dbmanager"
	"nre/pkg/logger"
	"nre/pkg/msi"
	"nre/pkg/ruleindex"
	"nre/pkg/value"
	"nre/pkg/varmap"
)

// DefaultMaxDepth bounds nested rule invocations.
const DefaultMaxDepth = 1000

// DelayedJob is an action block scheduled by delayExec.
type DelayedJob struct {
	Hints    string                 `json:"hints"`
	Actions  string                 `json:"actions"`
	Recovery string                 `json:"recovery"`
	Locals   map[string]interface{} `json:"locals,omitempty"`
	RuleBase string                 `json:"rule_base,omitempty"`
}

// DelayQueue receives delayed executions.
type DelayQueue interface {
	Push(ctx context.Context, job DelayedJob) error
}

// RuleEngineContext is one loaded rule base together with the tables and
// collaborators every evaluation needs. It is built once per load and replaced
// wholesale on reload; nothing in it is modified by evaluation.
type RuleEngineContext struct {
	Core *ruleindex.Index // system space
	App  *ruleindex.Index

	// NameMap canonicalizes external action names before dispatch.
	NameMap map[string]string

	Sys    *SysTable
	MSI    *msi.Registry
	Vars   *varmap.Map
	DB     *dbmanager.DBManager
	Queue  DelayQueue
	Logger *slog.Logger

	// RegionLimit is the byte budget of one evaluation; 0 means unlimited.
	RegionLimit int
	MaxDepth    int

	RuleBase  string
	UpdatedAt time.Time

	rules map[string]*FunctionDesc
	cons  map[string]*FunctionDesc
}

type Option func(*RuleEngineContext)

func WithMSI(r *msi.Registry) Option         { return func(rc *RuleEngineContext) { rc.MSI = r } }
func WithVars(m *varmap.Map) Option          { return func(rc *RuleEngineContext) { rc.Vars = m } }
func WithDB(db *dbmanager.DBManager) Option  { return func(rc *RuleEngineContext) { rc.DB = db } }
func WithQueue(q DelayQueue) Option          { return func(rc *RuleEngineContext) { rc.Queue = q } }
func WithLogger(l *slog.Logger) Option       { return func(rc *RuleEngineContext) { rc.Logger = l } }
func WithSys(s *SysTable) Option             { return func(rc *RuleEngineContext) { rc.Sys = s } }
func WithRegionLimit(n int) Option           { return func(rc *RuleEngineContext) { rc.RegionLimit = n } }
func WithMaxDepth(n int) Option              { return func(rc *RuleEngineContext) { rc.MaxDepth = n } }
func WithNameMap(m map[string]string) Option { return func(rc *RuleEngineContext) { rc.NameMap = m } }
func WithRuleBase(name string) Option        { return func(rc *RuleEngineContext) { rc.RuleBase = name } }
func WithUpdatedAt(t time.Time) Option       { return func(rc *RuleEngineContext) { rc.UpdatedAt = t } }

// NewContext builds a context over a core and an app index. Either may be nil.
func NewContext(core, app *ruleindex.Index, opts ...Option) *RuleEngineContext {
	if core == nil {
		core = ruleindex.Empty()
	}
	if app == nil {
		app = ruleindex.Empty()
	}
	rc := &RuleEngineContext{
		Core:     core,
		App:      app,
		Sys:      DefaultSys(),
		MSI:      msi.Builtins(),
		Vars:     varmap.Default(),
		MaxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.Logger = logger.Or(rc.Logger)
	if rc.MaxDepth <= 0 {
		rc.MaxDepth = DefaultMaxDepth
	}
	rc.rules = make(map[string]*FunctionDesc)
	rc.cons = make(map[string]*FunctionDesc)
	// core first, so the system space shadows app rules of the same name
	for _, idx := range []*ruleindex.Index{core, app} {
		for _, l := range idx.Lists() {
			if _, ok := rc.rules[l.Name]; !ok {
				rc.rules[l.Name] = &FunctionDesc{Name: l.Name, Kind: RuleFunc, Arity: listArity(idx, l)}
			}
		}
		for _, rd := range idx.Rules.Rules {
			if rd.Kind != ruleindex.Constructor && rd.Kind != ruleindex.Data {
				continue
			}
			if _, ok := rc.cons[rd.Name()]; !ok {
				rc.cons[rd.Name()] = &FunctionDesc{Name: rd.Name(), Kind: ConstructorFunc, Arity: rd.Node.NumParams()}
			}
		}
	}
	return rc
}

func listArity(idx *ruleindex.Index, l *ruleindex.List) int {
	if len(l.Nodes) == 0 {
		return 0
	}
	n := l.Nodes[0]
	if n.Secondary {
		return len(n.Cond.Params)
	}
	return idx.Rules.Get(n.Rule).Node.NumParams()
}

// Canonical maps an external action name to its internal name.
func (rc *RuleEngineContext) Canonical(name string) string {
	if mapped, ok := rc.NameMap[name]; ok {
		return mapped
	}
	return name
}

// indexFor picks the system space index when it defines name.
func (rc *RuleEngineContext) indexFor(name string) *ruleindex.Index {
	if rc.Core.Has(name) {
		return rc.Core
	}
	return rc.App
}

// Lookup resolves a function name through the layers: system functions, rules
// (core before app), constructors, then microservices.
func (rc *RuleEngineContext) Lookup(name string) (*FunctionDesc, bool) {
	if d, ok := rc.Sys.Lookup(name); ok {
		return d, true
	}
	if d, ok := rc.rules[name]; ok {
		return d, true
	}
	if d, ok := rc.cons[name]; ok {
		return d, true
	}
	if e, ok := rc.MSI.Lookup(name); ok {
		return &FunctionDesc{Name: name, Kind: ExternalFunc, Arity: e.Arity(), IO: e.IO(), Entry: e}, true
	}
	return nil, false
}

// ExecRule runs a rule from outside the evaluator with a fresh evaluation.
// Output parameters are written back into args.
func (rc *RuleEngineContext) ExecRule(ctx context.Context, name string, args []value.Value, applyAll bool) (value.Value, error) {
	e := rc.NewEvaluator(nil)
	defer e.Close()
	return e.ExecRule(ctx, name, args, applyAll)
}
