// Package memory implements kv.Store in process memory. It backs mem://
// deployments and tests; the TTL semantics here are the reference the
// remote backends must match.
package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/kv"
)

// Store implements kv.Store with a mutex-protected map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clock.Clock
	closed  bool
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// New returns a ready to use in-memory store on the real clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns an in-memory store driven by clk, letting tests
// advance expiry deterministically.
func NewWithClock(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		entries: make(map[string]*entry),
		clock:   clk,
	}
}

// Close satisfies kv.Store; the map is dropped so later use fails loudly
// in tests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

func (s *Store) liveLocked(key string, now time.Time) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns the live value for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errClosed
	}
	e, ok := s.liveLocked(key, s.clock.Now())
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set writes value unconditionally.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.entries[key] = &entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return nil
}

// SetNX creates key only when absent or expired.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	if _, ok := s.liveLocked(key, s.clock.Now()); ok {
		return false, nil
	}
	s.entries[key] = &entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return true, nil
}

// CompareAndDelete removes key only when the live value equals expected.
func (s *Store) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	e, ok := s.liveLocked(key, s.clock.Now())
	if !ok || string(e.value) != string(expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Incr adds delta to the counter at key, creating it with ttlOnCreate when
// absent or expired.
func (s *Store) Incr(_ context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	e, ok := s.liveLocked(key, s.clock.Now())
	if !ok {
		s.entries[key] = &entry{
			value:     []byte(strconv.FormatInt(delta, 10)),
			expiresAt: s.expiry(ttlOnCreate),
		}
		return delta, nil
	}
	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, &notAnInteger{key: key}
	}
	next := current + delta
	e.value = []byte(strconv.FormatInt(next, 10))
	return next, nil
}

// Delete removes key when present.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.entries, key)
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *Store) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	deleted := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

var errClosed = kv.NewTransientError(errStoreClosed{})

type errStoreClosed struct{}

func (errStoreClosed) Error() string { return "memory: store closed" }

type notAnInteger struct{ key string }

func (e *notAnInteger) Error() string { return "memory: value at " + e.key + " is not an integer" }
