package rulebase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"nre/pkg/engine"
	"nre/pkg/logger"
)

// LoadFunc produces a fresh rule engine context.
type LoadFunc func(ctx context.Context) (*engine.RuleEngineContext, error)

// Holder keeps the current rule engine context. Readers never block; a
// reload swaps in a complete new context.
type Holder struct {
	cur  atomic.Pointer[engine.RuleEngineContext]
	load LoadFunc
	log  *slog.Logger
}

func NewHolder(load LoadFunc, log *slog.Logger) *Holder {
	return &Holder{load: load, log: logger.Or(log)}
}

// Context returns the current context, or nil before the first load.
func (h *Holder) Context() *engine.RuleEngineContext {
	return h.cur.Load()
}

// Store replaces the current context.
func (h *Holder) Store(rc *engine.RuleEngineContext) {
	h.cur.Store(rc)
}

// Reload loads a context and swaps it in unless it is the same rule base
// generation as the current one. It reports whether a swap happened. On
// error the current context stays.
func (h *Holder) Reload(ctx context.Context) (bool, error) {
	rc, err := h.load(ctx)
	if err != nil {
		return false, err
	}
	if old := h.cur.Load(); old != nil && old.RuleBase == rc.RuleBase && old.UpdatedAt.Equal(rc.UpdatedAt) {
		return false, nil
	}
	h.cur.Store(rc)
	h.log.Info("rule base swapped in", "rule_base", rc.RuleBase, "updated_at", rc.UpdatedAt)
	return true, nil
}

// Watch reloads every interval until ctx is done. Failed reloads are logged
// and the previous context stays in use.
func (h *Holder) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Reload(ctx); err != nil {
				h.log.Warn("rule base reload failed", "error", err)
			}
		}
	}
}
