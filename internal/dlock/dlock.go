// Package dlock provides mutual-exclusion leases keyed by a resource name on
// top of a shared kv.Store. A lease is a set-if-absent entry holding the
// owner's token; TTL expiry is the crash-safety net, release is a conditional
// delete so a stale holder can never evict a newer one.
package dlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/kv"
)

// ErrNotAcquired is returned by WithLock when another holder owns the
// resource. Acquire itself reports contention as (false, nil).
var ErrNotAcquired = errors.New("dlock: resource is held by another owner")

// Lock acquires and releases leases against a shared store.
type Lock struct {
	store  kv.Store
	logger pslog.Logger
}

// New builds a Lock over store. logger may be nil.
func New(store kv.Store, logger pslog.Logger) *Lock {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Lock{store: store, logger: logger}
}

// NewToken returns a fresh opaque owner token.
func NewToken() string {
	return uuid.NewString()
}

// Acquire attempts to take the lease for resourceKey. It returns true iff
// this call created the lease. There is no blocking or retry; contention is
// reported immediately. Store errors propagate and are never treated as an
// acquired lock.
func (l *Lock) Acquire(ctx context.Context, resourceKey, ownerToken string, ttl time.Duration) (bool, error) {
	if resourceKey == "" {
		return false, errors.New("dlock: resource key is required")
	}
	if ownerToken == "" {
		return false, errors.New("dlock: owner token is required")
	}
	acquired, err := l.store.SetNX(ctx, resourceKey, []byte(ownerToken), ttl)
	if err != nil {
		l.logger.Debug("dlock.acquire.error", "resource", resourceKey, "error", err)
		return false, err
	}
	if acquired {
		l.logger.Trace("dlock.acquire.granted", "resource", resourceKey, "ttl", ttl)
	} else {
		l.logger.Trace("dlock.acquire.contended", "resource", resourceKey)
	}
	return acquired, nil
}

// Release deletes the lease only if it is still held by ownerToken. Releasing
// a lease held by someone else, or one that already expired, is a silent
// no-op.
func (l *Lock) Release(ctx context.Context, resourceKey, ownerToken string) error {
	deleted, err := l.store.CompareAndDelete(ctx, resourceKey, []byte(ownerToken))
	if err != nil {
		l.logger.Debug("dlock.release.error", "resource", resourceKey, "error", err)
		return err
	}
	if deleted {
		l.logger.Trace("dlock.release.done", "resource", resourceKey)
	} else {
		l.logger.Trace("dlock.release.not_owner", "resource", resourceKey)
	}
	return nil
}

// WithLock runs fn under a freshly tokened lease for resourceKey and releases
// the lease on every exit path. Contention surfaces as ErrNotAcquired.
func (l *Lock) WithLock(ctx context.Context, resourceKey string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := NewToken()
	acquired, err := l.Acquire(ctx, resourceKey, token, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNotAcquired
	}
	defer func() {
		// Release uses a background-capable context so a cancelled caller
		// still returns the lease instead of waiting out the TTL.
		releaseCtx := ctx
		if ctx.Err() != nil {
			releaseCtx = context.WithoutCancel(ctx)
		}
		if rerr := l.Release(releaseCtx, resourceKey, token); rerr != nil {
			l.logger.Debug("dlock.with_lock.release_error", "resource", resourceKey, "error", rerr)
		}
	}()
	return fn(ctx)
}
