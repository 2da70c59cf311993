package reqcache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/reqcache/batch"
	"github.com/unkn0wn-root/reqcache/codec"
	"github.com/unkn0wn-root/reqcache/genstore"
	"github.com/unkn0wn-root/reqcache/store"
)

// Producer executes the real operation on a cache miss. The context it
// receives is detached from any single caller: when several requests
// coalesce onto one execution, a caller timing out must not cancel the
// work others are waiting on.
type Producer[V any] func(ctx context.Context) (V, error)

// Engine is a request-level performance layer: it answers repeated
// operations from cache, collapses concurrent duplicates into one
// execution, and groups compatible operations into batches.
//
// All methods are safe for concurrent use.
type Engine[V any] interface {
	// Do resolves one operation through the full pipeline: cache read,
	// request coalescing, optional batching, execution and write-back.
	// pol may be nil, which disables caching and coalescing for the
	// call. The returned Meta describes how the value was obtained.
	Do(ctx context.Context, op Operation, pol *Policy, produce Producer[V]) (V, Meta, error)

	// Key reports the cache key Do would derive for op.
	Key(op Operation) string

	// Read fetches a key directly, bypassing coalescing and producers.
	// A stale entry is returned with StatusStale and no revalidation is
	// scheduled. Absent or unusable entries report StatusMiss with a
	// zero value.
	Read(ctx context.Context, key string) (V, Status, error)

	// Write stores a value under a key with the policy's TTLs, tags and
	// dependencies, as if a Do call had produced it.
	Write(ctx context.Context, key string, value V, pol *Policy) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// InvalidateTag drops every entry bound to the tag and bumps its
	// generation so in-flight writes under the old generation are
	// discarded. Returns the number of entries dropped.
	InvalidateTag(ctx context.Context, tag string) (int, error)

	// InvalidateDependency is InvalidateTag for a dependency name.
	InvalidateDependency(ctx context.Context, dep string) (int, error)

	// InvalidateOperation drops every entry derived for the named
	// operation, regardless of key variant. Requires backend scan
	// support; returns the number of entries dropped.
	InvalidateOperation(ctx context.Context, name string) (int, error)

	// InvalidatePrefix drops every entry whose derived key starts with
	// prefix.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)

	// RegisterBatch creates a batch group that Policies can route
	// operations to via Policy.Batch. Groups must be registered before
	// first use and live until Close.
	RegisterBatch(group string, cfg batch.Config, exec batch.Executor[Operation, V]) error

	// Stats returns a snapshot of engine counters.
	Stats() Stats

	// Enabled reports whether the engine is active. A disabled engine
	// executes producers directly and touches no backend.
	Enabled() bool

	// Close flushes open batch windows and releases backend resources.
	// The context bounds how long to wait for in-flight batches.
	Close(ctx context.Context) error
}

// Policy controls caching, coalescing and batching for one Do call.
// Policies are typically built once per route or query type and shared;
// the engine never mutates them.
type Policy struct {
	// Cache enables the cache read and write-back for this operation.
	Cache bool

	// TTL is how long a written entry stays fresh. Zero means the
	// engine default.
	TTL time.Duration

	// StaleTTL extends entries past freshness: within the window the
	// stale value is served while one revalidation runs in the
	// background. Zero means the engine default, which may be none.
	StaleTTL time.Duration

	// Tags bind written entries to named groups for InvalidateTag.
	Tags []string

	// Dependencies bind written entries to upstream identities, e.g.
	// "post:17", for InvalidateDependency.
	Dependencies []string

	// Coalesce collapses concurrent executions for the same key into
	// one. Callers attach to the in-flight execution and share its
	// result, errors included.
	Coalesce bool

	// Batch routes execution through the named batch group instead of
	// calling the producer. The group must have been registered.
	Batch string
}

// Validate reports configuration mistakes. Call it once where the
// Policy is built; Do does not re-validate on the hot path.
func (p *Policy) Validate() error {
	if p.TTL < 0 {
		return fmt.Errorf("reqcache: negative TTL %v", p.TTL)
	}
	if p.StaleTTL < 0 {
		return fmt.Errorf("reqcache: negative StaleTTL %v", p.StaleTTL)
	}
	if !p.Cache {
		if p.TTL != 0 || p.StaleTTL != 0 {
			return fmt.Errorf("reqcache: TTLs set but Cache is false")
		}
		if len(p.Tags) != 0 || len(p.Dependencies) != 0 {
			return fmt.Errorf("reqcache: tags or dependencies set but Cache is false")
		}
	}
	for _, t := range p.Tags {
		if t == "" {
			return fmt.Errorf("reqcache: empty tag")
		}
	}
	for _, d := range p.Dependencies {
		if d == "" {
			return fmt.Errorf("reqcache: empty dependency")
		}
	}
	return nil
}

// Options configures an Engine. Namespace, Store and Codec are
// required; everything else has a usable default.
type Options[V any] struct {
	// Namespace isolates this engine's keys from other engines sharing
	// the same backend. Required.
	Namespace string

	// Store is the entry backend. Required.
	Store store.Store

	// Codec serializes values for storage. Required.
	Codec codec.Codec[V]

	// Keyer derives cache keys from operations. Defaults to
	// VaryKeyer{AllQuery: true}: name, path and the full query.
	Keyer Keyer

	// GenStore tracks invalidation generations. Defaults to an
	// in-process store; use genstore.Redis when several processes share
	// a backend.
	GenStore genstore.GenStore

	// Logger receives engine diagnostics. Defaults to NopLogger.
	Logger Logger

	// Hooks receive engine events. Defaults to NopHooks.
	Hooks Hooks

	// DefaultTTL applies when a Policy leaves TTL zero. Defaults to 10
	// minutes.
	DefaultTTL time.Duration

	// DefaultStaleTTL applies when a Policy leaves StaleTTL zero. Zero
	// means entries have no stale window unless the Policy sets one.
	DefaultStaleTTL time.Duration

	// RevalidateTimeout bounds one background revalidation. Defaults to
	// 30 seconds.
	RevalidateTimeout time.Duration

	// CleanupInterval is how often the default in-process generation
	// store prunes idle counters. Ignored when GenStore is set.
	// Defaults to one hour.
	CleanupInterval time.Duration

	// GenRetention is how long an idle generation counter is kept by
	// the default in-process store. Must exceed the longest
	// TTL+StaleTTL in use. Ignored when GenStore is set. Defaults to 30
	// days.
	GenRetention time.Duration

	// SetCost computes the storage cost of an encoded entry for
	// cost-based backends. Defaults to byte length.
	SetCost func(encoded []byte) int64

	// FailClosed makes reads surface backend errors instead of treating
	// them as misses and falling through to the producer.
	FailClosed bool

	// DisableCoalescing turns off request coalescing globally,
	// overriding Policy.Coalesce.
	DisableCoalescing bool

	// Disabled switches the engine to pass-through: producers run
	// directly and no backend is touched. For staged rollouts and
	// incident response.
	Disabled bool
}

// New builds an Engine from opts.
func New[V any](opts Options[V]) (Engine[V], error) {
	return newEngine(opts)
}
