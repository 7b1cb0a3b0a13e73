// Package httpapi adapts core operations onto HTTP. It owns request parsing,
// correlation IDs, per-request logging/tracing, and the error envelope; all
// domain decisions stay in core.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/schoold/api"
	"pkt.systems/schoold/internal/core"
	"pkt.systems/schoold/internal/correlation"
	"pkt.systems/schoold/internal/svcfields"
)

const headerCorrelationID = "X-Correlation-Id"
const defaultBodyLimit = 256 << 10

// Handler wires HTTP endpoints to core operations.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	httpTracingEnabled bool
	bodyLimit          int64
}

// Options configures a Handler.
type Options struct {
	Core        *core.Service
	Logger      pslog.Logger
	HTTPTracing bool
	BodyLimit   int64
}

// NewHandler builds a Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	return &Handler{
		core:               opts.Core,
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/schoold/httpapi"),
		httpTracingEnabled: opts.HTTPTracing,
		bodyLimit:          bodyLimit,
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("PUT /v1/tenants/{tenant}/config", h.wrap("config.put", h.handleConfigureSchool))
	mux.Handle("GET /v1/tenants/{tenant}/config", h.wrap("config.get", h.handleGetSchoolConfig))
	mux.Handle("POST /v1/tenants/{tenant}/assessments", h.wrap("assessment.create", h.handleCreateAssessment))
	mux.Handle("GET /v1/tenants/{tenant}/assessments", h.wrap("assessment.list", h.handleListAssessments))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "schoold.http." + operation
	txSpanName := "schoold.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("schoold.operation", operation),
					attribute.String("schoold.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", correlation.ID(ctx),
		)
		if instrument {
			span.SetAttributes(attribute.String("schoold.correlation_id", correlation.ID(ctx)))
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				if instrument {
					span.SetStatus(codes.Error, "context_canceled")
				}
				h.handleError(ctx, w, httpError{
					Status: http.StatusServiceUnavailable,
					Code:   "canceled",
					Detail: "request canceled",
				})
				return
			}
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("schoold.error_code", httpErr.Code),
						attribute.Int("schoold.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertCoreError maps the core failure taxonomy to the HTTP envelope.
func convertCoreError(err error) error {
	f, ok := core.AsFailure(err)
	if !ok {
		return err
	}
	status := f.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return httpError{
		Status:     status,
		Code:       f.Code,
		Detail:     f.Detail,
		RetryAfter: f.RetryAfter,
	}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, h.bodyLimit))
	if err := dec.Decode(dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}
