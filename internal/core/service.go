// Package core implements the two guarded call patterns of the school
// administration backend: lock-serialized tenant configuration writes and
// safe CA/EXAM assessment creation. It composes the kv-derived primitives
// (dlock, cache, sequence, guard) over the authoritative repositories.
package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/cache"
	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/dlock"
	"pkt.systems/schoold/internal/guard"
	"pkt.systems/schoold/internal/keys"
	"pkt.systems/schoold/internal/kv"
	"pkt.systems/schoold/internal/repo"
	"pkt.systems/schoold/internal/sequence"
)

// Lease and cache TTL defaults. Leases are deliberately short: TTL expiry is
// the only recovery path for a crashed holder.
const (
	DefaultConfigLockTTL = 30 * time.Second
	DefaultCALockTTL     = 60 * time.Second
	DefaultExamLockTTL   = 300 * time.Second
	DefaultCacheTTLLong  = 12 * time.Hour
	DefaultCacheTTLShort = 5 * time.Minute
)

// Config groups the dependencies required by Service.
type Config struct {
	Repo   repo.Store
	KV     kv.Store
	Logger pslog.Logger
	Clock  clock.Clock

	ConfigLockTTL time.Duration
	CALockTTL     time.Duration
	ExamLockTTL   time.Duration
	CacheTTLLong  time.Duration
	CacheTTLShort time.Duration
}

// Service bundles repositories, the kv-derived primitives, and telemetry.
type Service struct {
	repo    repo.Store
	lock    *dlock.Lock
	cache   *cache.Cache
	seq     *sequence.Allocator
	guard   *guard.Guard
	clock   clock.Clock
	logger  pslog.Logger
	metrics *serviceMetrics

	configLockTTL time.Duration
	caLockTTL     time.Duration
	cacheTTLLong  time.Duration
	cacheTTLShort time.Duration
}

// New constructs a Service using the supplied configuration.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	configLockTTL := cfg.ConfigLockTTL
	if configLockTTL <= 0 {
		configLockTTL = DefaultConfigLockTTL
	}
	caLockTTL := cfg.CALockTTL
	if caLockTTL <= 0 {
		caLockTTL = DefaultCALockTTL
	}
	examLockTTL := cfg.ExamLockTTL
	if examLockTTL <= 0 {
		examLockTTL = DefaultExamLockTTL
	}
	cacheTTLLong := cfg.CacheTTLLong
	if cacheTTLLong <= 0 {
		cacheTTLLong = DefaultCacheTTLLong
	}
	cacheTTLShort := cfg.CacheTTLShort
	if cacheTTLShort <= 0 {
		cacheTTLShort = DefaultCacheTTLShort
	}
	lock := dlock.New(cfg.KV, logger)
	return &Service{
		repo:          cfg.Repo,
		lock:          lock,
		cache:         cache.New(cfg.KV, logger),
		seq:           sequence.New(cfg.KV, logger),
		guard:         guard.NewWithTTL(lock, logger, examLockTTL),
		clock:         clk,
		logger:        logger,
		metrics:       newServiceMetrics(logger),
		configLockTTL: configLockTTL,
		caLockTTL:     caLockTTL,
		cacheTTLLong:  cacheTTLLong,
		cacheTTLShort: cacheTTLShort,
	}
}

func (s *Service) opLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

// requireTenant resolves the tenant, caching existence to short-circuit hot
// read paths. A cached negative entry has a short TTL so newly onboarded
// tenants appear within minutes even without invalidation.
func (s *Service) requireTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return failValidation("tenant id is required")
	}
	key := keys.TenantExists(tenantID)
	if exists, ok := cache.Get[bool](ctx, s.cache, key); ok {
		s.metrics.recordCache(ctx, key, true)
		if !exists {
			return failNotFound("tenant " + tenantID + " does not exist")
		}
		return nil
	}
	s.metrics.recordCache(ctx, key, false)
	tenant, found, err := s.repo.Tenants().Find(ctx, tenantID)
	if err != nil {
		return failInfrastructure(err)
	}
	if !found {
		cache.Set(ctx, s.cache, key, false, s.cacheTTLShort)
		return failNotFound("tenant " + tenantID + " does not exist")
	}
	cache.Set(ctx, s.cache, key, true, s.cacheTTLLong)
	cache.Set(ctx, s.cache, keys.Tenant(tenantID), tenant, s.cacheTTLLong)
	return nil
}

// lockFailure maps a WithLock error: contention is caller-retryable, any
// other acquire error means the shared store is down.
func lockFailure(err error, detail string) error {
	if errors.Is(err, dlock.ErrNotAcquired) {
		return failLockContention(detail)
	}
	if _, ok := AsFailure(err); ok {
		return err
	}
	return failInfrastructure(err)
}
