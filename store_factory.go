package schoold

import (
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/kv"
	"pkt.systems/schoold/internal/kv/logging"
	kvmem "pkt.systems/schoold/internal/kv/memory"
	kvretry "pkt.systems/schoold/internal/kv/retry"
	kvs3 "pkt.systems/schoold/internal/kv/s3"
)

// openKVStore builds the shared coordination store from the configured DSN and
// wraps it with the retry and logging decorators. The retry layer replays
// transient failures; the logging layer emits per-operation trace events and
// spans.
func openKVStore(cfg Config, logger pslog.Logger, clk clock.Clock) (kv.Store, error) {
	var inner kv.Store
	switch {
	case strings.HasPrefix(cfg.Store, "mem://"):
		inner = kvmem.NewWithClock(clk)
	case strings.HasPrefix(cfg.Store, "s3://"):
		s3cfg, err := parseS3DSN(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Clock = clk
		inner, err = kvs3.New(s3cfg)
		if err != nil {
			return nil, fmt.Errorf("store: open s3 store: %w", err)
		}
	default:
		return nil, fmt.Errorf("store: unsupported DSN %q", cfg.Store)
	}
	retried := kvretry.Wrap(inner, logger, clk, kvretry.Config{
		MaxAttempts: cfg.StoreRetryMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
	})
	return logging.Wrap(retried, logger), nil
}

// parseS3DSN splits s3://bucket[/prefix] and folds in the endpoint options.
func parseS3DSN(cfg Config) (kvs3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return kvs3.Config{}, fmt.Errorf("store: parse s3 DSN: %w", err)
	}
	bucket := u.Host
	if bucket == "" {
		return kvs3.Config{}, fmt.Errorf("store: s3 DSN %q is missing a bucket", cfg.Store)
	}
	return kvs3.Config{
		Endpoint:       cfg.S3Endpoint,
		Region:         cfg.S3Region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3ForcePathStyle,
	}, nil
}
