// Package cache hands a compiled rule base from the process that parsed it
// to every other process through a shared memory segment.
//
// The rule sets and their indices are written as a flat table of objects
// that refer to each other by index, so the payload means the same thing at
// whatever address a process maps it. Readers copy the payload out under a
// shared lock and decode their private copy after releasing it.
package cache

import (
	"time"

	"nre/pkg/engine"
	"nre/pkg/ruleindex"
)

// Cache is one published generation of a rule base. A restored Cache is
// read-only and is replaced, never modified, when a newer version appears.
type Cache struct {
	RuleBase        string
	UpdateTimestamp time.Time
	NameMap         map[string]string
	Core            *ruleindex.Index
	App             *ruleindex.Index

	// Set on restore.
	Version  uint64
	DataSize int
	Pointers []int // payload offsets of every reference field
}

// FromContext captures the rule tables of a loaded context.
func FromContext(rc *engine.RuleEngineContext) *Cache {
	return &Cache{
		RuleBase:        rc.RuleBase,
		UpdateTimestamp: rc.UpdatedAt,
		NameMap:         rc.NameMap,
		Core:            rc.Core,
		App:             rc.App,
	}
}

// Context builds a rule engine context over the cached tables. opts supply
// the process-local collaborators (microservices, database, queue, logger).
func (c *Cache) Context(opts ...engine.Option) *engine.RuleEngineContext {
	base := []engine.Option{
		engine.WithNameMap(c.NameMap),
		engine.WithRuleBase(c.RuleBase),
		engine.WithUpdatedAt(c.UpdateTimestamp),
	}
	return engine.NewContext(c.Core, c.App, append(base, opts...)...)
}
