package schoold

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	repomem "pkt.systems/schoold/internal/repo/memory"
	"pkt.systems/schoold/internal/schema"
)

func TestServerServesHealthz(t *testing.T) {
	t.Parallel()
	store := repomem.New()
	store.AddTenant(schema.Tenant{ID: "t1", Active: true})
	srv, err := NewServer(Config{
		Listen:             "127.0.0.1:0",
		Store:              "mem://",
		Database:           "mem://",
		DisableHTTPTracing: true,
	}, WithRepository(store))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-serveErr; err != nil {
			t.Errorf("Start: %v", err)
		}
	}()

	readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatalf("listener address unavailable")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Store: "redis://x"}); err == nil {
		t.Fatalf("expected config error")
	}
}
