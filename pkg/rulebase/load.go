package rulebase

import (
	"context"
	"errors"
	"log/slog"

	"nre/pkg/cache"
	"nre/pkg/engine"
	"nre/pkg/logger"
	"nre/pkg/ruleindex"
)

// Options configure LoadFromCacheOrFile. Publisher and Subscriber are
// optional; without them the files are always parsed.
type Options struct {
	RuleBase   string
	Dir        string
	Threshold  int
	Publisher  *cache.Publisher
	Subscriber *cache.Subscriber
	// Engine supplies the process-local collaborators of the context.
	Engine []engine.Option
	Logger *slog.Logger
}

// LoadFromCacheOrFile returns a context for the rule base, restored from
// the shared cache when the published copy is of the same rule base and not
// older than its files. Otherwise the files are parsed and the result is
// published, forcibly when the cache held another rule base. Cache failures
// are logged and never fail the load.
func LoadFromCacheOrFile(ctx context.Context, o Options) (*engine.RuleEngineContext, error) {
	log := logger.Or(o.Logger)
	if o.Threshold == 0 {
		o.Threshold = ruleindex.DefaultThreshold
	}
	opts := append([]engine.Option{engine.WithLogger(log)}, o.Engine...)

	mtime, err := MaxMtime(o.RuleBase, o.Dir)
	if err != nil {
		return nil, err
	}

	force := false
	if o.Subscriber != nil {
		c, err := o.Subscriber.Current(ctx)
		switch {
		case err == nil && c.RuleBase == o.RuleBase && !c.UpdateTimestamp.Before(mtime):
			log.Debug("rule base restored from cache", "rule_base", o.RuleBase, "version", c.Version)
			return c.Context(opts...), nil
		case err == nil:
			force = c.RuleBase != o.RuleBase
		case !errors.Is(err, cache.ErrNotPublished):
			log.Warn("rule cache unavailable, parsing files", "error", err)
		}
	}

	loaded, err := LoadFiles(o.RuleBase, o.Dir, o.Threshold)
	if err != nil {
		return nil, err
	}
	rc := loaded.Context(opts...)
	log.Info("rule base loaded from files",
		"rule_base", o.RuleBase,
		"core_rules", loaded.Core.Rules.Len(),
		"app_rules", loaded.App.Rules.Len())

	if o.Publisher != nil {
		_, err := o.Publisher.Publish(ctx, cache.FromContext(rc), force)
		switch {
		case errors.Is(err, cache.ErrStale):
			// another process published a newer copy first
		case err != nil:
			log.Warn("rule cache publish failed", "error", err)
		}
	}
	return rc, nil
}
