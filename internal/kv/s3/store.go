// Package s3 implements kv.Store on S3-compatible object storage. Values are
// wrapped in a small JSON envelope carrying the expiry deadline; conditional
// writes use ETag preconditions so SetNX and Incr stay atomic without any
// coordination service beside the bucket itself.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/kv"
)

// Config controls the behaviour of the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Clock          clock.Clock
}

// Store implements kv.Store backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	clk    clock.Clock
}

// envelope is the stored object layout. ExpiresAtUnix of zero means the entry
// never expires. Expiry is enforced lazily on read, as S3 has no native TTL.
type envelope struct {
	Value         []byte `json:"value"`
	ExpiresAtUnix int64  `json:"expires_at_unix,omitempty"`
}

const contentTypeJSON = "application/json"

// casAttempts bounds the read-modify-write loop in Incr and the expired-entry
// replacement in SetNX before the operation reports contention as transient.
const casAttempts = 8

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{client: client, cfg: cfg, clk: clk}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies kv.Store and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *Store) envelopeFor(value []byte, ttl time.Duration) envelope {
	env := envelope{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		env.ExpiresAtUnix = s.clk.Now().Add(ttl).UnixNano()
	}
	return env
}

func (s *Store) expired(env envelope) bool {
	return env.ExpiresAtUnix != 0 && !s.clk.Now().Before(time.Unix(0, env.ExpiresAtUnix))
}

// load fetches an object and its ETag. found is false for missing objects.
func (s *Store) load(ctx context.Context, object string) (env envelope, etag string, found bool, err error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return envelope{}, "", false, nil
		}
		return envelope{}, "", false, s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return envelope{}, "", false, nil
		}
		return envelope{}, "", false, s.wrapError(err, "s3: stat object")
	}
	payload, err := io.ReadAll(io.LimitReader(obj, 1<<20))
	if err != nil {
		if isNotFound(err) || errors.Is(err, io.EOF) {
			return envelope{}, "", false, nil
		}
		return envelope{}, "", false, s.wrapError(err, "s3: read object")
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, "", false, fmt.Errorf("s3: decode envelope %q: %w", object, err)
	}
	return env, stripETag(info.ETag), true, nil
}

func (s *Store) put(ctx context.Context, object string, env envelope, opts minio.PutObjectOptions) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("s3: encode envelope: %w", err)
	}
	opts.ContentType = contentTypeJSON
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), opts)
	return err
}

// Get returns the value stored under key. Entries past their deadline read as
// absent and are removed best effort.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	object := s.objectKey(key)
	env, _, found, err := s.load(ctx, object)
	if err != nil || !found {
		return nil, false, err
	}
	if s.expired(env) {
		_ = s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{})
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set stores value under key, replacing any existing entry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	object := s.objectKey(key)
	if err := s.put(ctx, object, s.envelopeFor(value, ttl), minio.PutObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: put object")
	}
	return nil
}

// SetNX creates the entry only when absent. A live existing entry wins; an
// expired one is replaced under its ETag so concurrent writers cannot both
// claim the key.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	object := s.objectKey(key)
	for attempt := 0; attempt < casAttempts; attempt++ {
		opts := minio.PutObjectOptions{}
		opts.SetMatchETagExcept("*")
		err := s.put(ctx, object, s.envelopeFor(value, ttl), opts)
		if err == nil {
			return true, nil
		}
		if !isPreconditionFailed(err) {
			return false, s.wrapError(err, "s3: put object")
		}
		env, etag, found, err := s.load(ctx, object)
		if err != nil {
			return false, err
		}
		if !found {
			// Deleted between the two calls; try the create again.
			continue
		}
		if !s.expired(env) {
			return false, nil
		}
		replace := minio.PutObjectOptions{}
		replace.SetMatchETag(etag)
		err = s.put(ctx, object, s.envelopeFor(value, ttl), replace)
		if err == nil {
			return true, nil
		}
		if !isPreconditionFailed(err) {
			return false, s.wrapError(err, "s3: put object")
		}
	}
	return false, casExhausted("setnx", key)
}

// CompareAndDelete removes the entry only if its current value equals expected.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	object := s.objectKey(key)
	env, _, found, err := s.load(ctx, object)
	if err != nil || !found {
		return false, err
	}
	if s.expired(env) || !bytes.Equal(env.Value, expected) {
		return false, nil
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "s3: remove object")
	}
	return true, nil
}

// Incr atomically adds delta to the counter stored under key, creating it at
// delta with ttlOnCreate when absent or expired. The read-modify-write cycle
// is guarded by the object's ETag.
func (s *Store) Incr(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	object := s.objectKey(key)
	for attempt := 0; attempt < casAttempts; attempt++ {
		env, etag, found, err := s.load(ctx, object)
		if err != nil {
			return 0, err
		}
		opts := minio.PutObjectOptions{}
		var next int64
		switch {
		case !found:
			next = delta
			opts.SetMatchETagExcept("*")
		case s.expired(env):
			next = delta
			opts.SetMatchETag(etag)
		default:
			current, err := strconv.ParseInt(string(env.Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("s3: counter %q holds non-numeric value: %w", key, err)
			}
			next = current + delta
			opts.SetMatchETag(etag)
		}
		out := envelope{Value: []byte(strconv.FormatInt(next, 10))}
		if found && !s.expired(env) {
			out.ExpiresAtUnix = env.ExpiresAtUnix
		} else if ttlOnCreate > 0 {
			out.ExpiresAtUnix = s.clk.Now().Add(ttlOnCreate).UnixNano()
		}
		err = s.put(ctx, object, out, opts)
		if err == nil {
			return next, nil
		}
		if !isPreconditionFailed(err) {
			return 0, s.wrapError(err, "s3: put object")
		}
	}
	return 0, casExhausted("incr", key)
}

// Delete removes the entry under key. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	object := s.objectKey(key)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return s.wrapError(err, "s3: remove object")
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix and reports
// how many objects were deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	listPrefix := s.objectKey(prefix)
	opts := minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}
	deleted := 0
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			return deleted, s.wrapError(object.Err, "s3: list objects")
		}
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			if isNotFound(err) {
				continue
			}
			return deleted, s.wrapError(err, "s3: remove object")
		}
		deleted++
	}
	return deleted, nil
}

// casExhausted reports a conditional-write loop that lost its precondition
// race casAttempts times in a row. Transient, so the retry decorator backs
// off and tries again.
func casExhausted(op, key string) error {
	return kv.NewTransientError(fmt.Errorf("s3: %s %q: %w", op, key, kv.ErrCASMismatch))
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return kv.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != 0 {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
