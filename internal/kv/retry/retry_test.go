package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/schoold/internal/kv"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

type stubStore struct {
	kv.Store
	getErrs  []error
	getCalls int

	setNXErrs  []error
	setNXCalls int
}

func (s *stubStore) Get(context.Context, string) ([]byte, bool, error) {
	idx := s.getCalls
	s.getCalls++
	if idx < len(s.getErrs) && s.getErrs[idx] != nil {
		return nil, false, s.getErrs[idx]
	}
	return []byte("ok"), true, nil
}

func (s *stubStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	idx := s.setNXCalls
	s.setNXCalls++
	if idx < len(s.setNXErrs) && s.setNXErrs[idx] != nil {
		return false, s.setNXErrs[idx]
	}
	return true, nil
}

func (s *stubStore) Close() error { return nil }

func TestWrapNilInner(t *testing.T) {
	t.Parallel()
	if Wrap(nil, pslog.NoopLogger(), &fakeClock{}, Config{}) != nil {
		t.Fatal("expected nil for nil inner store")
	}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	stub := &stubStore{getErrs: []error{
		kv.NewTransientError(errors.New("timeout")),
		kv.NewTransientError(errors.New("timeout")),
		nil,
	}}
	fc := &fakeClock{}
	wrapped := Wrap(stub, pslog.NoopLogger(), fc, Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond})

	value, found, err := wrapped.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(value) != "ok" {
		t.Fatalf("unexpected result: found=%v value=%q", found, value)
	}
	if stub.getCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.getCalls)
	}
	if len(fc.sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(fc.sleeps))
	}
	if fc.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("expected doubled delay, got %v", fc.sleeps[1])
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	stub := &stubStore{getErrs: []error{boom, nil}}
	wrapped := Wrap(stub, pslog.NoopLogger(), &fakeClock{}, Config{MaxAttempts: 5, BaseDelay: time.Millisecond})

	_, _, err := wrapped.Get(context.Background(), "k")
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if stub.getCalls != 1 {
		t.Fatalf("permanent error retried: %d calls", stub.getCalls)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()
	transient := kv.NewTransientError(errors.New("still down"))
	stub := &stubStore{setNXErrs: []error{transient, transient, transient}}
	wrapped := Wrap(stub, pslog.NoopLogger(), &fakeClock{}, Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

	_, err := wrapped.SetNX(context.Background(), "k", []byte("v"), time.Minute)
	if !kv.IsTransient(err) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if stub.setNXCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.setNXCalls)
	}
}
