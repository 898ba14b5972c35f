// Package rulebase loads rule bases from .re files, from the catalog, or
// from the shared cache, and keeps the current one for concurrent readers.
package rulebase

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nre/pkg/engine"
	"nre/pkg/parser"
	"nre/pkg/ruleindex"
)

// Ext is the file extension of rule base files.
const Ext = ".re"

// Loaded is a parsed and indexed rule base.
type Loaded struct {
	RuleBase  string
	Core      *ruleindex.Index
	App       *ruleindex.Index
	UpdatedAt time.Time
}

// Context builds a rule engine context over the loaded rule base.
func (l *Loaded) Context(opts ...engine.Option) *engine.RuleEngineContext {
	base := []engine.Option{
		engine.WithRuleBase(l.RuleBase),
		engine.WithUpdatedAt(l.UpdatedAt),
	}
	return engine.NewContext(l.Core, l.App, append(base, opts...)...)
}

// Names splits a rule base setting such as "core,site" into file names.
func Names(ruleBase string) []string {
	var out []string
	for _, n := range strings.Split(ruleBase, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Path resolves a rule base name to its file. Absolute names are used as
// they are; others are looked up in dir with the .re extension.
func Path(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if !strings.HasSuffix(name, Ext) {
		name += Ext
	}
	return filepath.Join(dir, name)
}

// MaxMtime returns the newest modification time of the rule base files.
func MaxMtime(ruleBase, dir string) (time.Time, error) {
	var newest time.Time
	for _, n := range Names(ruleBase) {
		fi, err := os.Stat(Path(dir, n))
		if err != nil {
			return time.Time{}, fmt.Errorf("rulebase: %w", err)
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

// LoadFiles parses every file of ruleBase. The first file forms the system
// space; the remaining files are concatenated, in order, into the app space.
func LoadFiles(ruleBase, dir string, threshold int) (*Loaded, error) {
	names := Names(ruleBase)
	if len(names) == 0 {
		return nil, fmt.Errorf("rulebase: empty rule base %q", ruleBase)
	}
	mtime, err := MaxMtime(ruleBase, dir)
	if err != nil {
		return nil, err
	}

	core := ruleindex.NewRuleSet()
	app := ruleindex.NewRuleSet()
	for i, n := range names {
		rules, err := parser.ParseFile(Path(dir, n))
		if err != nil {
			return nil, fmt.Errorf("rulebase: %s: %w", n, err)
		}
		target := app
		if i == 0 {
			target = core
		}
		for _, r := range rules {
			target.Append(r)
		}
	}
	return index(ruleBase, core, app, mtime, threshold)
}

func index(ruleBase string, core, app *ruleindex.RuleSet, updated time.Time, threshold int) (*Loaded, error) {
	ci, err := ruleindex.Build(core, threshold)
	if err != nil {
		return nil, fmt.Errorf("rulebase: index core rules: %w", err)
	}
	ai, err := ruleindex.Build(app, threshold)
	if err != nil {
		return nil, fmt.Errorf("rulebase: index app rules: %w", err)
	}
	return &Loaded{RuleBase: ruleBase, Core: ci, App: ai, UpdatedAt: updated}, nil
}
