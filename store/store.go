// Package store defines the byte-store abstraction behind the cache engine.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended
// or appended metadata, no re-encoding, no mutation). If a backend performs
// internal transforms (e.g. compression), they MUST be fully reversed so the
// bytes returned by Get are identical to the bytes given to Set.
//
// The engine owns every key it writes (it prefixes them with its namespace).
// External code MUST NOT write values under those prefixes; foreign writes
// fail strict frame validation and are deleted.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks connectivity-class failures (dial, timeout, server
// refusing). Adapters wrap it so the engine can distinguish "backend down"
// from programmer errors when deciding to fail open.
var ErrUnavailable = errors.New("store: backend unavailable")

// Store is a minimal byte store with TTLs and prefix enumeration.
// Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	// Cost is advisory; stores without cost accounting ignore it.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan calls fn for every stored key beginning with prefix until fn
	// returns false. Enumeration order is unspecified and the snapshot is
	// best-effort against concurrent writers.
	Scan(ctx context.Context, prefix string, fn func(key string) bool) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// EvictionNotifier is an optional capability: backends that know when
// entries leave on their own (capacity pressure, TTL sweep) report the key.
// The callback must be registered before the store is used and must be
// cheap; it may be invoked from internal goroutines.
type EvictionNotifier interface {
	OnEvict(fn func(key string))
}
