package schoold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the API server binds to.
	DefaultListen = ":9480"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the coordination layer at the in-memory shared
	// store when none is provided.
	DefaultStore = "mem://"
	// DefaultDatabase selects the in-memory repository when no postgres DSN
	// is configured.
	DefaultDatabase = "mem://"
	// DefaultConfigLockTTL bounds configuration write leases.
	DefaultConfigLockTTL = 30 * time.Second
	// DefaultCALockTTL bounds CA numbering leases.
	DefaultCALockTTL = 60 * time.Second
	// DefaultExamLockTTL bounds exam singleton-creation leases.
	DefaultExamLockTTL = 300 * time.Second
	// DefaultCacheTTLLong is the lifetime of assembled read-model cache
	// entries (configurations, assessment maps).
	DefaultCacheTTLLong = 12 * time.Hour
	// DefaultCacheTTLShort is the lifetime of negative and existence cache
	// entries.
	DefaultCacheTTLShort = 5 * time.Minute
	// DefaultRequestBodyMaxBytes caps incoming JSON request bodies.
	DefaultRequestBodyMaxBytes = int64(256 << 10)
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStoreRetryMaxAttempts describes how many transient shared-store
	// errors are retried.
	DefaultStoreRetryMaxAttempts = 6
	// DefaultStoreRetryBaseDelay configures the base delay between retries.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the exponential backoff between retries.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config drives Server assembly. Zero values fall back to the Default*
// constants.
type Config struct {
	// Listen is the API bind address (for example ":9480").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds runtime profiling metrics to the metrics
	// endpoint.
	EnableProfilingMetrics bool

	// Store is the shared KV store DSN (mem:// or s3://bucket[/prefix]).
	Store string
	// S3Endpoint overrides the S3 endpoint host for s3:// stores
	// (MinIO, gofakes3, non-AWS providers).
	S3Endpoint string
	// S3Region is the S3 region for s3:// stores.
	S3Region string
	// S3Insecure allows plain HTTP to the S3 endpoint.
	S3Insecure bool
	// S3ForcePathStyle forces path-style S3 addressing.
	S3ForcePathStyle bool

	// Database is the authoritative repository DSN (mem:// or postgres://…).
	Database string
	// MigrateOnStart applies the embedded schema to postgres on startup.
	MigrateOnStart bool

	// ConfigLockTTL bounds school-configuration write leases.
	ConfigLockTTL time.Duration
	// CALockTTL bounds CA numbering leases.
	CALockTTL time.Duration
	// ExamLockTTL bounds exam-creation leases.
	ExamLockTTL time.Duration
	// CacheTTLLong is the read-model cache lifetime.
	CacheTTLLong time.Duration
	// CacheTTLShort is the negative/existence cache lifetime.
	CacheTTLShort time.Duration

	// StoreRetryMaxAttempts caps transient shared-store retries.
	StoreRetryMaxAttempts int
	// StoreRetryBaseDelay is the base backoff between retries.
	StoreRetryBaseDelay time.Duration
	// StoreRetryMaxDelay caps the backoff between retries.
	StoreRetryMaxDelay time.Duration

	// RequestBodyMaxBytes caps incoming JSON request bodies.
	RequestBodyMaxBytes int64
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector
	// (host:port, grpc://, grpcs://, http:// or https://).
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool

	// LogLevel selects the pslog level (trace, debug, info, warn, error).
	LogLevel string
	// LogFormat selects the pslog output format (json or console).
	LogFormat string
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.ConfigLockTTL <= 0 {
		c.ConfigLockTTL = DefaultConfigLockTTL
	}
	if c.CALockTTL <= 0 {
		c.CALockTTL = DefaultCALockTTL
	}
	if c.ExamLockTTL <= 0 {
		c.ExamLockTTL = DefaultExamLockTTL
	}
	if c.CacheTTLLong <= 0 {
		c.CacheTTLLong = DefaultCacheTTLLong
	}
	if c.CacheTTLShort <= 0 {
		c.CacheTTLShort = DefaultCacheTTLShort
	}
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.RequestBodyMaxBytes <= 0 {
		c.RequestBodyMaxBytes = DefaultRequestBodyMaxBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	c.applyDefaults()
	if !strings.HasPrefix(c.Store, "mem://") && !strings.HasPrefix(c.Store, "s3://") {
		return fmt.Errorf("config: unsupported store %q (want mem:// or s3://)", c.Store)
	}
	if !strings.HasPrefix(c.Database, "mem://") && !strings.HasPrefix(c.Database, "postgres://") && !strings.HasPrefix(c.Database, "postgresql://") {
		return fmt.Errorf("config: unsupported database %q (want mem:// or postgres://)", c.Database)
	}
	if c.CacheTTLShort > c.CacheTTLLong {
		return fmt.Errorf("config: short cache TTL %s exceeds long cache TTL %s", c.CacheTTLShort, c.CacheTTLLong)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.schoold, or $SCHOOLD_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SCHOOLD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".schoold"), nil
}
