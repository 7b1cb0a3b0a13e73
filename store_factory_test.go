package schoold

import (
	"testing"
	"time"

	"pkt.systems/schoold/internal/clock"
)

func TestParseS3DSN(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Store:            "s3://school-coord/prod",
		S3Endpoint:       "minio.internal:9000",
		S3Region:         "eu-north-1",
		S3Insecure:       true,
		S3ForcePathStyle: true,
	}
	parsed, err := parseS3DSN(cfg)
	if err != nil {
		t.Fatalf("parseS3DSN: %v", err)
	}
	if parsed.Bucket != "school-coord" || parsed.Prefix != "prod" {
		t.Fatalf("bucket/prefix = %q/%q", parsed.Bucket, parsed.Prefix)
	}
	if parsed.Endpoint != "minio.internal:9000" || !parsed.Insecure || !parsed.ForcePathStyle {
		t.Fatalf("endpoint options not carried: %+v", parsed)
	}

	if _, err := parseS3DSN(Config{Store: "s3://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestOpenKVStoreMemory(t *testing.T) {
	t.Parallel()
	cfg := Config{Store: "mem://"}
	cfg.applyDefaults()
	store, err := openKVStore(cfg, nil, clock.Real{})
	if err != nil {
		t.Fatalf("openKVStore: %v", err)
	}
	defer store.Close()

	ctx := t.Context()
	if err := store.Set(ctx, "probe", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, found, err := store.Get(ctx, "probe")
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("Get = %q found=%v err=%v", value, found, err)
	}
}

func TestOpenKVStoreRejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	if _, err := openKVStore(Config{Store: "redis://x"}, nil, clock.Real{}); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}
