// Package genstore tracks a monotonic generation per invalidation name
// (tags and dependencies). Invalidating a name bumps its generation; cache
// entries remember the generations they were written under and are rejected
// when any of them has moved on.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live. Use Local (default) for
// in-process generations, or Redis to share them across replicas.
type GenStore interface {
	// Snapshot returns the current generation for one name; missing => 0.
	Snapshot(ctx context.Context, name string) (uint64, error)
	// SnapshotMany returns generations for many names; missing => 0.
	SnapshotMany(ctx context.Context, names []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, name string) (uint64, error)
	// Cleanup prunes names idle longer than olderThan, where applicable.
	Cleanup(olderThan time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
