// Package client is the Go SDK for talking to a schoold server over HTTP.
// It exposes the coordination surface (school configuration, assessment
// creation and listing) with typed requests, and automatically retries
// contended writes using the server's Retry-After hints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/schoold/api"
	"pkt.systems/schoold/internal/correlation"
	"pkt.systems/schoold/internal/svcfields"
)

const (
	headerCorrelationID = "X-Correlation-Id"

	defaultRequestTimeout = 30 * time.Second
	defaultRetryAttempts  = 5
	defaultRetryDelay     = 250 * time.Millisecond
)

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status            int
	Code              string
	Detail            string
	RetryAfterSeconds int64
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("schoold: %s (%s, http %d)", e.Detail, e.Code, e.Status)
	}
	return fmt.Sprintf("schoold: %s (http %d)", e.Code, e.Status)
}

// RetryAfterDuration converts the server's retry hint to a duration.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e.RetryAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// IsContention reports whether err is a lock_contention API error, meaning
// the operation is safe to retry after the hinted delay.
func IsContention(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "lock_contention"
}

// IsNotFound reports whether err is a not_found API error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger for request tracing.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = svcfields.WithSubsystem(logger, "client")
		}
	}
}

// WithRetry overrides how many times contended writes are retried and the
// fallback delay used when the server does not hint one.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// Client talks to one schoold endpoint.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        pslog.Logger
	retryAttempts int
	retryDelay    time.Duration
}

// New builds a client for baseURL (http:// or https://).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:       u.String(),
		httpClient:    &http.Client{Timeout: defaultRequestTimeout},
		logger:        pslog.NoopLogger(),
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ConfigureSchool replaces the tenant's school configuration. Contended
// writes are retried until the retry budget is spent.
func (c *Client) ConfigureSchool(ctx context.Context, tenantID string, req api.ConfigureSchoolRequest) (api.SchoolConfigResponse, error) {
	var out api.SchoolConfigResponse
	path := fmt.Sprintf("/v1/tenants/%s/config", url.PathEscape(tenantID))
	err := c.doRetrying(ctx, http.MethodPut, path, req, &out)
	return out, err
}

// GetSchoolConfig fetches the tenant's assembled configuration.
func (c *Client) GetSchoolConfig(ctx context.Context, tenantID string) (api.SchoolConfigResponse, error) {
	var out api.SchoolConfigResponse
	path := fmt.Sprintf("/v1/tenants/%s/config", url.PathEscape(tenantID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateAssessment creates a CA or exam in one scope of the tenant.
func (c *Client) CreateAssessment(ctx context.Context, tenantID string, req api.CreateAssessmentRequest) (api.CreateAssessmentResponse, error) {
	var out api.CreateAssessmentResponse
	path := fmt.Sprintf("/v1/tenants/%s/assessments", url.PathEscape(tenantID))
	err := c.doRetrying(ctx, http.MethodPost, path, req, &out)
	return out, err
}

// ListAssessments lists the scope's active assessments, oldest first.
func (c *Client) ListAssessments(ctx context.Context, tenantID, subjectID, gradeLevelID, term string) (api.ListAssessmentsResponse, error) {
	var out api.ListAssessmentsResponse
	q := url.Values{}
	q.Set("subject_id", subjectID)
	q.Set("grade_level_id", gradeLevelID)
	q.Set("term", term)
	path := fmt.Sprintf("/v1/tenants/%s/assessments?%s", url.PathEscape(tenantID), q.Encode())
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Health probes the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out api.HealthResponse
	return c.do(ctx, http.MethodGet, "/healthz", nil, &out)
}

func (c *Client) doRetrying(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !IsContention(err) {
			return err
		}
		lastErr = err
		sleep := c.retryDelay
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if hint := apiErr.RetryAfterDuration(); hint > sleep {
				sleep = hint
			}
		}
		c.logger.Debug("client.retry.contention",
			"method", method, "path", path, "attempt", attempt, "delay", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := correlation.ID(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
		return nil
	}

	var errBody api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errBody); err != nil || errBody.ErrorCode == "" {
		return &APIError{Status: resp.StatusCode, Code: "http_error", Detail: resp.Status}
	}
	return &APIError{
		Status:            resp.StatusCode,
		Code:              errBody.ErrorCode,
		Detail:            errBody.Detail,
		RetryAfterSeconds: errBody.RetryAfterSeconds,
	}
}
