// Package cache is a typed cache-aside layer over kv.Store. It is never
// authoritative: every value must be reconstructible from the persisted
// store, so cache errors degrade to misses and writes are best effort.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/kv"
)

// Cache wraps a kv.Store with JSON serialization and miss-coalescing.
type Cache struct {
	store  kv.Store
	logger pslog.Logger
	group  singleflight.Group
}

// New builds a Cache over store. logger may be nil.
func New(store kv.Store, logger pslog.Logger) *Cache {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Cache{store: store, logger: logger}
}

// Get returns the cached value under key. Store errors and decode failures
// are logged and reported as a miss so callers fall back to the persisted
// store.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	payload, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache.get.error", "key", key, "error", err)
		return zero, false
	}
	if !found {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		c.logger.Debug("cache.get.decode_error", "key", key, "error", err)
		return zero, false
	}
	return value, true
}

// Set stores value under key with the given TTL. Failures are logged and
// swallowed; the authoritative write has already happened by the time the
// cache is populated.
func Set[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("cache.set.encode_error", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, payload, ttl); err != nil {
		c.logger.Debug("cache.set.error", "key", key, "error", err)
	}
}

// GetOrLoad returns the cached value under key, loading and caching it on a
// miss. Concurrent misses for the same key are coalesced into a single load.
// Load errors propagate; cache errors do not.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if value, ok := Get[T](ctx, c, key); ok {
		return value, nil
	}
	result, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := Get[T](ctx, c, key); ok {
			return value, nil
		}
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		Set(ctx, c, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Invalidate removes the given keys. Best effort.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Debug("cache.invalidate.error", "key", key, "error", err)
		}
	}
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many entries were dropped. Errors are logged and swallowed.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) int {
	deleted, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		c.logger.Debug("cache.invalidate_prefix.error", "prefix", prefix, "error", err)
	}
	if deleted > 0 {
		c.logger.Trace("cache.invalidate_prefix.done", "prefix", prefix, "deleted", deleted)
	}
	return deleted
}
