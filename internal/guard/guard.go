// Package guard serializes "check existence, else create" for per-scope
// singleton resources under a distributed lease, so racing callers observe
// the winner's record instead of creating duplicates.
package guard

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/dlock"
)

// DefaultLeaseTTL bounds how long a crashed creator can block a scope.
const DefaultLeaseTTL = 300 * time.Second

// Guard wraps singleton creation in a dlock lease.
type Guard struct {
	lock   *dlock.Lock
	logger pslog.Logger
	ttl    time.Duration
}

// New builds a Guard using DefaultLeaseTTL. logger may be nil.
func New(lock *dlock.Lock, logger pslog.Logger) *Guard {
	return NewWithTTL(lock, logger, DefaultLeaseTTL)
}

// NewWithTTL builds a Guard with an explicit lease TTL.
func NewWithTTL(lock *dlock.Lock, logger pslog.Logger, ttl time.Duration) *Guard {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Guard{lock: lock, logger: logger, ttl: ttl}
}

// GetOrCreate returns the scope's singleton, creating it when absent. The
// existence check and creation run inside the lease; the lease is released on
// every exit path. Contention surfaces as dlock.ErrNotAcquired. created
// reports whether this call ran create.
func GetOrCreate[T any](ctx context.Context, g *Guard, scopeKey string, exists func(ctx context.Context) (T, bool, error), create func(ctx context.Context) (T, error)) (value T, created bool, err error) {
	err = g.lock.WithLock(ctx, scopeKey, g.ttl, func(ctx context.Context) error {
		existing, found, err := exists(ctx)
		if err != nil {
			return err
		}
		if found {
			g.logger.Trace("guard.get_or_create.exists", "scope", scopeKey)
			value = existing
			return nil
		}
		made, err := create(ctx)
		if err != nil {
			return err
		}
		g.logger.Trace("guard.get_or_create.created", "scope", scopeKey)
		value = made
		created = true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return value, created, nil
}
