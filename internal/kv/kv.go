// Package kv defines the shared key-value store contract the concurrency
// primitives are built on. Every operation must be safe when invoked
// concurrently from multiple processes sharing one backend.
package kv

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrCASMismatch reports a conditional write that lost its race.
	ErrCASMismatch = errors.New("kv: cas mismatch")
)

// Store is the backend contract. TTLs are mandatory on lease-style writes;
// a zero TTL on Set means the entry does not expire.
type Store interface {
	// Get returns the value for key and whether it exists. Expired entries
	// read as absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value unconditionally with the supplied TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX atomically creates key only when absent (or expired), returning
	// true iff this call created it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only when its current value equals
	// expected, returning true iff the entry was deleted by this call.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Incr atomically adds delta to the integer counter at key and returns
	// the new value. ttlOnCreate applies only when this call creates the
	// counter; the first increment of a fresh counter by 1 returns 1.
	Incr(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key under prefix and returns how many
	// entries were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Close releases backend resources.
	Close() error
}

// TransientError marks a failure worth retrying, such as a network timeout
// against a remote backend. The retry decorator unwraps it.
type TransientError struct {
	Err error
}

// NewTransientError wraps err as retryable. A nil err returns nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return "kv: transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
