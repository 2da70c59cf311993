package reqcache

import "time"

const (
	defaultTTL               = 10 * time.Minute
	defaultRevalidateTimeout = 30 * time.Second
	defaultGenSweep          = time.Hour
	defaultGenRetention      = 30 * 24 * time.Hour

	// invalidateFanout bounds concurrent backend deletes during an
	// invalidation sweep.
	invalidateFanout = 8
)

// orDefault returns v unless it is the zero value, in which case def is
// returned. Used to resolve optional knobs in Options and Policy.
func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
