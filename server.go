package schoold

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/core"
	"pkt.systems/schoold/internal/httpapi"
	"pkt.systems/schoold/internal/kv"
	"pkt.systems/schoold/internal/repo"
	repomem "pkt.systems/schoold/internal/repo/memory"
	repopg "pkt.systems/schoold/internal/repo/postgres"
	"pkt.systems/schoold/internal/svcfields"
)

// Server runs the schoold HTTP API over the configured repository and shared
// coordination store.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	kvStore   kv.Store
	repoStore repo.Store
	handler   *httpapi.Handler
	httpSrv   *http.Server
	listener  net.Listener
	clock     clock.Clock
	telemetry *telemetryBundle

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	KVStore    kv.Store
	Repository repo.Store
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithKVStore injects a pre-built shared store (useful for tests).
func WithKVStore(s kv.Store) Option {
	return func(o *options) { o.KVStore = s }
}

// WithRepository injects a pre-built repository (useful for tests).
func WithRepository(r repo.Store) Option {
	return func(o *options) { o.Repository = r }
}

// NewServer constructs a schoold server according to cfg.
// Example:
//
//	cfg := schoold.Config{Store: "mem://", Database: "mem://", Listen: ":9480"}
//	srv, err := schoold.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger)
	if err != nil {
		return nil, err
	}

	kvStore := o.KVStore
	if kvStore == nil {
		kvStore, err = openKVStore(cfg, svcfields.WithSubsystem(logger, "kv"), clk)
		if err != nil {
			return nil, err
		}
	}
	repoStore := o.Repository
	if repoStore == nil {
		repoStore, err = openRepository(context.Background(), cfg, logger)
		if err != nil {
			_ = kvStore.Close()
			return nil, err
		}
	}

	service := core.New(core.Config{
		Repo:          repoStore,
		KV:            kvStore,
		Logger:        svcfields.WithSubsystem(logger, "core"),
		Clock:         clk,
		ConfigLockTTL: cfg.ConfigLockTTL,
		CALockTTL:     cfg.CALockTTL,
		ExamLockTTL:   cfg.ExamLockTTL,
		CacheTTLLong:  cfg.CacheTTLLong,
		CacheTTLShort: cfg.CacheTTLShort,
	})
	handler := httpapi.NewHandler(httpapi.Options{
		Core:        service,
		Logger:      logger,
		HTTPTracing: !cfg.DisableHTTPTracing,
		BodyLimit:   cfg.RequestBodyMaxBytes,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		kvStore:   kvStore,
		repoStore: repoStore,
		handler:   handler,
		httpSrv: &http.Server{
			Addr:    cfg.Listen,
			Handler: mux,
			BaseContext: func(net.Listener) context.Context {
				return context.Background()
			},
		},
		clock:     clk,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// openRepository builds the authoritative store from the configured DSN.
func openRepository(ctx context.Context, cfg Config, logger pslog.Logger) (repo.Store, error) {
	if strings.HasPrefix(cfg.Database, "mem://") {
		return repomem.New(), nil
	}
	store, err := repopg.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("repo: open postgres: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("repo: migrate: %w", err)
		}
		logger.Info("database schema applied")
	}
	return store, nil
}

// Handler returns the underlying HTTP handler so schoold can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", s.cfg.Store, "database", redactDSN(s.cfg.Database))
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if err := s.kvStore.Close(); err != nil {
		return err
	}
	if err := s.repoStore.Close(); err != nil {
		return err
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down, bounded by the configured
// shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.lastServeErr = err
	}
}

// LastServeError reports a fatal serve error recorded before shutdown.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// redactDSN strips credentials from a database DSN for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
