// Package sequence allocates per-scope ordinals from an atomic counter in the
// shared store. The counter is ephemeral and may reset on TTL expiry or store
// loss; callers reconcile allocations against the authoritative persisted
// maximum so an already-used ordinal is never handed out again.
package sequence

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/kv"
)

// DefaultCounterTTL bounds how long an idle counter survives. It is a soft
// ceiling on stale counters, not a correctness mechanism; reconciliation
// against the persisted store covers resets.
const DefaultCounterTTL = 24 * time.Hour

// Allocator hands out the next ordinal in a named counting scope.
type Allocator struct {
	store  kv.Store
	logger pslog.Logger
	ttl    time.Duration
}

// New builds an Allocator over store with DefaultCounterTTL. logger may be
// nil.
func New(store kv.Store, logger pslog.Logger) *Allocator {
	return NewWithTTL(store, logger, DefaultCounterTTL)
}

// NewWithTTL builds an Allocator with an explicit counter TTL.
func NewWithTTL(store kv.Store, logger pslog.Logger, ttl time.Duration) *Allocator {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Allocator{store: store, logger: logger, ttl: ttl}
}

// Next atomically increments and returns the counter for scopeKey. The first
// call in a scope returns 1.
func (a *Allocator) Next(ctx context.Context, scopeKey string) (int64, error) {
	if scopeKey == "" {
		return 0, errors.New("sequence: scope key is required")
	}
	value, err := a.store.Incr(ctx, scopeKey, 1, a.ttl)
	if err != nil {
		a.logger.Debug("sequence.next.error", "scope", scopeKey, "error", err)
		return 0, err
	}
	a.logger.Trace("sequence.next.done", "scope", scopeKey, "value", value)
	return value, nil
}

// Reconcile resolves a candidate ordinal against the authoritative persisted
// maximum for the scope. The counter can lag reality after an expiry or store
// loss, so the persisted records always win.
func Reconcile(candidate, persistedMax int64) int64 {
	if next := persistedMax + 1; next > candidate {
		return next
	}
	return candidate
}

// Bump raises the counter for scopeKey to at least floor and returns the
// resulting value. Used after reconciliation so future Next calls continue
// past ordinals already present in the persisted store.
func (a *Allocator) Bump(ctx context.Context, scopeKey string, floor int64) (int64, error) {
	current, err := a.store.Incr(ctx, scopeKey, 0, a.ttl)
	if err != nil {
		return 0, err
	}
	if current >= floor {
		return current, nil
	}
	value, err := a.store.Incr(ctx, scopeKey, floor-current, a.ttl)
	if err != nil {
		a.logger.Debug("sequence.bump.error", "scope", scopeKey, "floor", floor, "error", err)
		return 0, err
	}
	a.logger.Trace("sequence.bump.done", "scope", scopeKey, "value", value)
	return value, nil
}
