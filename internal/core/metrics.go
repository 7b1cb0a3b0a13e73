package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	lockAcquired    metric.Int64Counter
	lockContended   metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheInvalidate metric.Int64Counter
	seqAllocated    metric.Int64Counter
	seqBumped       metric.Int64Counter
	opDuration      metric.Int64Histogram
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/schoold/core")
	m := &serviceMetrics{}
	var err error

	m.lockAcquired, err = meter.Int64Counter(
		"schoold.lock.acquired",
		metric.WithDescription("Distributed lock acquisitions"),
	)
	logMetricInitError(logger, "schoold.lock.acquired", err)

	m.lockContended, err = meter.Int64Counter(
		"schoold.lock.contended",
		metric.WithDescription("Distributed lock acquisitions rejected on contention"),
	)
	logMetricInitError(logger, "schoold.lock.contended", err)

	m.cacheHits, err = meter.Int64Counter(
		"schoold.cache.hits",
		metric.WithDescription("Cache-aside hits"),
	)
	logMetricInitError(logger, "schoold.cache.hits", err)

	m.cacheMisses, err = meter.Int64Counter(
		"schoold.cache.misses",
		metric.WithDescription("Cache-aside misses"),
	)
	logMetricInitError(logger, "schoold.cache.misses", err)

	m.cacheInvalidate, err = meter.Int64Counter(
		"schoold.cache.invalidations",
		metric.WithDescription("Cache keys invalidated after writes"),
	)
	logMetricInitError(logger, "schoold.cache.invalidations", err)

	m.seqAllocated, err = meter.Int64Counter(
		"schoold.sequence.allocated",
		metric.WithDescription("Ordinals handed out by the sequence allocator"),
	)
	logMetricInitError(logger, "schoold.sequence.allocated", err)

	m.seqBumped, err = meter.Int64Counter(
		"schoold.sequence.reconcile_bumps",
		metric.WithDescription("Counter bumps after reconciliation against the persisted maximum"),
	)
	logMetricInitError(logger, "schoold.sequence.reconcile_bumps", err)

	m.opDuration, err = meter.Int64Histogram(
		"schoold.op.duration_ms",
		metric.WithDescription("Service operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "schoold.op.duration_ms", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func (m *serviceMetrics) recordLock(ctx context.Context, resource string, acquired bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("schoold.lock.resource", resource))
	if acquired {
		if m.lockAcquired != nil {
			m.lockAcquired.Add(ctx, 1, attrs)
		}
	} else if m.lockContended != nil {
		m.lockContended.Add(ctx, 1, attrs)
	}
}

func (m *serviceMetrics) recordCache(ctx context.Context, key string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("schoold.cache.family", cacheFamily(key)))
	if hit {
		if m.cacheHits != nil {
			m.cacheHits.Add(ctx, 1, attrs)
		}
	} else if m.cacheMisses != nil {
		m.cacheMisses.Add(ctx, 1, attrs)
	}
}

func (m *serviceMetrics) recordInvalidations(ctx context.Context, n int64) {
	if m == nil || m.cacheInvalidate == nil || n <= 0 {
		return
	}
	m.cacheInvalidate.Add(ctx, n)
}

func (m *serviceMetrics) recordAllocation(ctx context.Context, bumped bool) {
	if m == nil {
		return
	}
	if m.seqAllocated != nil {
		m.seqAllocated.Add(ctx, 1)
	}
	if bumped && m.seqBumped != nil {
		m.seqBumped.Add(ctx, 1)
	}
}

func (m *serviceMetrics) recordOp(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil || m.opDuration == nil {
		return
	}
	m.opDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(
		attribute.String("schoold.operation", operation),
		attribute.String("schoold.result", metricResultLabel(err)),
	))
}

// cacheFamily maps a concrete cache key to its template family so metric
// cardinality stays bounded.
func cacheFamily(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
