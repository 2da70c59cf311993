// Package reqcache is a request-level performance layer: repeated
// operations are answered from cache, concurrent duplicates collapse
// into one execution, and compatible operations are grouped into
// batches before they reach the upstream.
//
// Components:
//   - store.Store: byte backend with TTL (memory, Redis, BigCache, Ristretto).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//   - genstore.GenStore: generation counter per tag/dependency name. Local
//     (in-process) by default, optional Redis implementation for
//     multi-replica deployments.
//   - coalesce.Group: collapses concurrent executions per key.
//   - batch.Processor: size/time bounded batching windows.
//
// Keys:
//
//	rq:<ns>:op:<name>:<digest>  - one entry per operation variant
//
// Entries carry their freshness windows and the generation of every tag
// and dependency they were produced under. A write that finishes after
// one of its names was invalidated is discarded, and reads re-check the
// recorded generations, so an invalidated value is never served even
// when the write and the invalidation race:
//
//	obs := gens.SnapshotMany(names) // before the producer runs
//	v   := produce(ctx)
//	ok  := register(key, obs)       // binds iff generations unchanged
package reqcache
