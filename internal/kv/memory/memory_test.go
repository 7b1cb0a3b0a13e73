package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/schoold/internal/clock"
)

func TestSetNXCreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	defer s.Close()

	created, err := s.SetNX(ctx, "locks/a", []byte("owner-1"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !created {
		t.Fatal("expected first SetNX to create")
	}
	created, err = s.SetNX(ctx, "locks/a", []byte("owner-2"), time.Minute)
	if err != nil {
		t.Fatalf("setnx second: %v", err)
	}
	if created {
		t.Fatal("expected second SetNX to lose")
	}
	value, ok, err := s.Get(ctx, "locks/a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != "owner-1" {
		t.Fatalf("expected first writer's value, got %q", value)
	}
}

func TestSetNXConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	defer s.Close()

	const n = 64
	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.SetNX(ctx, "locks/race", []byte{byte(i)}, time.Minute)
			if err != nil {
				t.Errorf("setnx: %v", err)
				return
			}
			if created {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	total := 0
	for range wins {
		total++
	}
	if total != 1 {
		t.Fatalf("expected exactly one winner, got %d", total)
	}
}

func TestExpiryMakesKeyAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewWithClock(clk)
	defer s.Close()

	if _, err := s.SetNX(ctx, "locks/ttl", []byte("x"), time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	clk.Advance(time.Second)
	if _, ok, err := s.Get(ctx, "locks/ttl"); err != nil || ok {
		t.Fatalf("expected expired key to be absent, ok=%v err=%v", ok, err)
	}
	created, err := s.SetNX(ctx, "locks/ttl", []byte("y"), time.Second)
	if err != nil || !created {
		t.Fatalf("expected re-acquire after expiry, created=%v err=%v", created, err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	defer s.Close()

	if err := s.Set(ctx, "locks/b", []byte("tokenA"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	deleted, err := s.CompareAndDelete(ctx, "locks/b", []byte("tokenB"))
	if err != nil {
		t.Fatalf("cad mismatch: %v", err)
	}
	if deleted {
		t.Fatal("mismatched token must not delete")
	}
	if _, ok, _ := s.Get(ctx, "locks/b"); !ok {
		t.Fatal("entry should survive mismatched delete")
	}
	deleted, err = s.CompareAndDelete(ctx, "locks/b", []byte("tokenA"))
	if err != nil || !deleted {
		t.Fatalf("expected matching delete, deleted=%v err=%v", deleted, err)
	}
}

func TestIncrSequenceAndTTLOnCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewWithClock(clk)
	defer s.Close()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "seq/a", 1, time.Hour)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	// ttlOnCreate applies only to creation; later increments do not extend it.
	clk.Advance(time.Hour)
	got, err := s.Incr(ctx, "seq/a", 1, time.Hour)
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter reset to 1 after expiry, got %d", got)
	}
}

func TestDeletePrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	defer s.Close()

	for _, key := range []string{"school_config:complete:c1", "school_config:complete:tenant:t1", "tenant:t1"} {
		if err := s.Set(ctx, key, []byte("v"), 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	deleted, err := s.DeletePrefix(ctx, "school_config:complete:")
	if err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	if _, ok, _ := s.Get(ctx, "tenant:t1"); !ok {
		t.Fatal("unrelated key must survive")
	}
}
