package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/schoold/internal/dlock"
	kvmemory "pkt.systems/schoold/internal/kv/memory"
)

type examRow struct {
	ID    string
	Title string
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	g := New(dlock.New(store, nil), nil)
	ctx := context.Background()

	existing := examRow{ID: "exam-1", Title: "End of Term Examination"}
	got, created, err := GetOrCreate(ctx, g, "exam_lock:alpha:MATH:4:TERM_1",
		func(context.Context) (examRow, bool, error) { return existing, true, nil },
		func(context.Context) (examRow, error) {
			t.Fatal("create must not run when the record exists")
			return examRow{}, nil
		},
	)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for existing record")
	}
	if got.ID != "exam-1" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestGetOrCreateRunsCreateOnce(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	g := New(dlock.New(store, nil), nil)
	ctx := context.Background()

	// A shared map stands in for the persisted store.
	var mu sync.Mutex
	rows := map[string]examRow{}
	var creates atomic.Int64

	const racers = 32
	var wg sync.WaitGroup
	results := make([]examRow, racers)
	contended := atomic.Int64{}
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				got, _, err := GetOrCreate(ctx, g, "exam_lock:alpha:MATH:4:TERM_1",
					func(context.Context) (examRow, bool, error) {
						mu.Lock()
						defer mu.Unlock()
						row, ok := rows["scope"]
						return row, ok, nil
					},
					func(context.Context) (examRow, error) {
						creates.Add(1)
						row := examRow{ID: "exam-1", Title: "End of Term Examination"}
						mu.Lock()
						rows["scope"] = row
						mu.Unlock()
						return row, nil
					},
				)
				if errors.Is(err, dlock.ErrNotAcquired) {
					// Fail-fast contention; retry like a client would.
					contended.Add(1)
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					t.Errorf("get or create: %v", err)
					return
				}
				results[i] = got
				return
			}
		}(i)
	}
	wg.Wait()

	if got := creates.Load(); got != 1 {
		t.Fatalf("expected exactly one create, got %d", got)
	}
	for i, got := range results {
		if got.ID != "exam-1" {
			t.Fatalf("caller %d got %+v", i, got)
		}
	}
}

func TestGetOrCreateReleasesLeaseOnCreateError(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	g := New(dlock.New(store, nil), nil)
	ctx := context.Background()

	boom := errors.New("insert failed")
	_, _, err := GetOrCreate(ctx, g, "scope",
		func(context.Context) (examRow, bool, error) { return examRow{}, false, nil },
		func(context.Context) (examRow, error) { return examRow{}, boom },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected create error, got %v", err)
	}
	// The lease must be free again.
	got, created, err := GetOrCreate(ctx, g, "scope",
		func(context.Context) (examRow, bool, error) { return examRow{}, false, nil },
		func(context.Context) (examRow, error) { return examRow{ID: "exam-1"}, nil },
	)
	if err != nil || !created || got.ID != "exam-1" {
		t.Fatalf("expected retry to succeed, got %+v created=%v err=%v", got, created, err)
	}
}

func TestGetOrCreateContention(t *testing.T) {
	t.Parallel()
	store := kvmemory.New()
	defer store.Close()
	lock := dlock.New(store, nil)
	g := New(lock, nil)
	ctx := context.Background()

	acquired, err := lock.Acquire(ctx, "scope", "holder", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
	}
	_, _, err = GetOrCreate(ctx, g, "scope",
		func(context.Context) (examRow, bool, error) { return examRow{}, false, nil },
		func(context.Context) (examRow, error) { return examRow{}, nil },
	)
	if !errors.Is(err, dlock.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}
