// Package logging decorates a kv.Store with trace/debug logging and OTel
// spans so every backend operation is attributable to a request.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/correlation"
	"pkt.systems/schoold/internal/kv"
)

type store struct {
	inner  kv.Store
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner kv.Store, logger pslog.Logger) kv.Store {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/schoold/kv"),
	}
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "schoold.kv."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("schoold.kv.operation", op))

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	logger.Trace("kv."+op+".begin", "key", key)

	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "kv_error")
			logger.Debug("kv."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("kv."+op+".done", "key", key, "elapsed", elapsed)
		}
	}
}

func (s *store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span, logger, finish := s.start(ctx, "get", key)
	defer span.End()
	value, found, err := s.inner.Get(ctx, key)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Bool("schoold.kv.hit", found))
		logger.Trace("kv.get.result", "key", key, "hit", found)
	}
	return value, found, err
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span, _, finish := s.start(ctx, "set", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("schoold.kv.ttl_seconds", int64(ttl/time.Second)))
	err := s.inner.Set(ctx, key, value, ttl)
	finish(err)
	return err
}

func (s *store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, span, logger, finish := s.start(ctx, "setnx", key)
	defer span.End()
	created, err := s.inner.SetNX(ctx, key, value, ttl)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Bool("schoold.kv.created", created))
		logger.Trace("kv.setnx.result", "key", key, "created", created)
	}
	return created, err
}

func (s *store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, span, logger, finish := s.start(ctx, "compare_and_delete", key)
	defer span.End()
	deleted, err := s.inner.CompareAndDelete(ctx, key, expected)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Bool("schoold.kv.deleted", deleted))
		logger.Trace("kv.compare_and_delete.result", "key", key, "deleted", deleted)
	}
	return deleted, err
}

func (s *store) Incr(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	ctx, span, logger, finish := s.start(ctx, "incr", key)
	defer span.End()
	value, err := s.inner.Incr(ctx, key, delta, ttlOnCreate)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Int64("schoold.kv.counter", value))
		logger.Trace("kv.incr.result", "key", key, "value", value)
	}
	return value, err
}

func (s *store) Delete(ctx context.Context, key string) error {
	ctx, span, _, finish := s.start(ctx, "delete", key)
	defer span.End()
	err := s.inner.Delete(ctx, key)
	finish(err)
	return err
}

func (s *store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	ctx, span, logger, finish := s.start(ctx, "delete_prefix", prefix)
	defer span.End()
	deleted, err := s.inner.DeletePrefix(ctx, prefix)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Int("schoold.kv.deleted_count", deleted))
		logger.Trace("kv.delete_prefix.result", "prefix", prefix, "deleted", deleted)
	}
	return deleted, err
}

func (s *store) Close() error {
	return s.inner.Close()
}
