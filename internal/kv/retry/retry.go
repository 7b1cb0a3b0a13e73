// Package retry decorates a kv.Store with bounded exponential backoff for
// transient backend errors.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/kv"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner kv.Store, logger pslog.Logger, clk clock.Clock, cfg Config) kv.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type store struct {
	inner  kv.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !kv.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("kv transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}

func (s *store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, found, err = s.inner.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

// SetNX is deliberately not retried on ambiguous transport failures beyond
// the inner backend's own classification: a retried create that raced a
// success could claim a lease twice. Only errors the backend marked
// transient (request never reached it) are replayed.
func (s *store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := s.withRetry(ctx, "setnx", key, func(ctx context.Context) error {
		var err error
		created, err = s.inner.SetNX(ctx, key, value, ttl)
		return err
	})
	return created, err
}

func (s *store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	var deleted bool
	err := s.withRetry(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		var err error
		deleted, err = s.inner.CompareAndDelete(ctx, key, expected)
		return err
	})
	return deleted, err
}

func (s *store) Incr(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	var value int64
	err := s.withRetry(ctx, "incr", key, func(ctx context.Context) error {
		var err error
		value, err = s.inner.Incr(ctx, key, delta, ttlOnCreate)
		return err
	})
	return value, err
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var deleted int
	err := s.withRetry(ctx, "delete_prefix", prefix, func(ctx context.Context) error {
		var err error
		deleted, err = s.inner.DeletePrefix(ctx, prefix)
		return err
	})
	return deleted, err
}

func (s *store) Close() error {
	return s.inner.Close()
}
