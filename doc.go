// Package schoold embeds the school-administration coordination service: a
// multi-tenant HTTP API whose write paths are serialized through distributed
// leases in a shared key/value store.
//
// The package exposes the server assembly; the interesting machinery lives in
// the internal packages:
//
//   - internal/kv defines the shared-store contract with memory and S3
//     implementations. The S3 store builds atomic operations from
//     conditional writes (ETag compare-and-swap), so any S3-compatible
//     object store can serve as the coordination backend.
//   - internal/dlock, internal/cache, internal/sequence and internal/guard
//     derive the coordination primitives from that contract: fail-fast
//     leases with TTL recovery, a cache-aside layer with miss coalescing,
//     reconciled ordinal allocation, and singleton creation guards.
//   - internal/repo is the authoritative relational store (postgres or
//     in-memory) holding tenants, reference data, school configurations and
//     assessments.
//   - internal/core combines both layers into the guarded operations:
//     lock-serialized school configuration writes, CA numbering that
//     survives counter loss, and per-scope singleton exam creation.
//
// Minimal embedded usage:
//
//	srv, err := schoold.NewServer(schoold.Config{
//		Listen:   ":9480",
//		Store:    "mem://",
//		Database: "mem://",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Close()
//
// Production deployments point Store at an S3 bucket shared by every
// instance (s3://bucket/prefix) and Database at postgres. Correctness never
// depends on the shared store retaining data: every lease expires, every
// cache entry is rebuilt from the repository, and every counter is
// reconciled against persisted records.
package schoold
