package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/kv"
	kvmemory "pkt.systems/schoold/internal/kv/memory"
)

type tenantShape struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	c := New(store, nil)
	ctx := context.Background()

	if _, ok := Get[tenantShape](ctx, c, "tenant:alpha"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	Set(ctx, c, "tenant:alpha", tenantShape{ID: "alpha", Name: "Alpha Primary"}, time.Hour)
	got, ok := Get[tenantShape](ctx, c, "tenant:alpha")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Name != "Alpha Primary" {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestEntryExpires(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := kvmemory.NewWithClock(clk)
	defer store.Close()
	c := New(store, nil)
	ctx := context.Background()

	Set(ctx, c, "tenant:exists:alpha", true, time.Minute)
	if _, ok := Get[bool](ctx, c, "tenant:exists:alpha"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	clk.Advance(2 * time.Minute)
	if _, ok := Get[bool](ctx, c, "tenant:exists:alpha"); ok {
		t.Fatalf("expected miss after expiry")
	}
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	c := New(store, nil)
	ctx := context.Background()

	var loads atomic.Int64
	release := make(chan struct{})
	load := func(context.Context) (tenantShape, error) {
		loads.Add(1)
		<-release
		return tenantShape{ID: "alpha"}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]tenantShape, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := GetOrLoad(ctx, c, "tenant:alpha", time.Hour, load)
			if err != nil {
				t.Errorf("get or load: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	// Give the goroutines a moment to pile onto the same flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Fatalf("expected a single load, got %d", got)
	}
	for i, got := range results {
		if got.ID != "alpha" {
			t.Fatalf("caller %d got %+v", i, got)
		}
	}
}

func TestGetOrLoadPropagatesLoadError(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	c := New(store, nil)
	ctx := context.Background()

	boom := errors.New("database down")
	_, err := GetOrLoad(ctx, c, "tenant:alpha", time.Hour, func(context.Context) (tenantShape, error) {
		return tenantShape{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
}

type failingStore struct {
	kv.Store
}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func TestStoreErrorsDegradeToMiss(t *testing.T) {
	t.Parallel()
	c := New(failingStore{}, nil)
	ctx := context.Background()

	if _, ok := Get[tenantShape](ctx, c, "tenant:alpha"); ok {
		t.Fatalf("expected store error to read as a miss")
	}
	// Set must swallow the failure.
	Set(ctx, c, "tenant:alpha", tenantShape{ID: "alpha"}, time.Hour)

	var loads atomic.Int64
	got, err := GetOrLoad(ctx, c, "tenant:alpha", time.Hour, func(context.Context) (tenantShape, error) {
		loads.Add(1)
		return tenantShape{ID: "alpha"}, nil
	})
	if err != nil {
		t.Fatalf("expected load to succeed despite cache failure: %v", err)
	}
	if got.ID != "alpha" || loads.Load() != 1 {
		t.Fatalf("unexpected result %+v loads=%d", got, loads.Load())
	}
}

func TestInvalidatePrefix(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	c := New(store, nil)
	ctx := context.Background()

	Set(ctx, c, "school_config:complete:cfg-1", tenantShape{ID: "alpha"}, time.Hour)
	Set(ctx, c, "school_config:complete:tenant:alpha", tenantShape{ID: "alpha"}, time.Hour)
	Set(ctx, c, "school_config:complete:tenant:beta", tenantShape{ID: "beta"}, time.Hour)

	deleted := c.InvalidatePrefix(ctx, "school_config:complete:tenant:alpha")
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, ok := Get[tenantShape](ctx, c, "school_config:complete:tenant:alpha"); ok {
		t.Fatalf("expected invalidated key to be absent")
	}
	if _, ok := Get[tenantShape](ctx, c, "school_config:complete:tenant:beta"); !ok {
		t.Fatalf("expected unrelated key to survive")
	}
}
