package reqcache

// Status classifies how a read was answered.
type Status uint8

const (
	// StatusMiss means no usable entry existed and the value, if any,
	// came from the producer.
	StatusMiss Status = iota

	// StatusHit means a fresh entry was served.
	StatusHit

	// StatusStale means an expired-but-serveable entry was served and
	// revalidation was scheduled in the background.
	StatusStale

	// StatusBypass means the engine is disabled or the policy skipped
	// caching; the producer ran unconditionally.
	StatusBypass
)

func (s Status) String() string {
	switch s {
	case StatusMiss:
		return "miss"
	case StatusHit:
		return "hit"
	case StatusStale:
		return "stale"
	case StatusBypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Meta describes how a Do call was resolved.
type Meta struct {
	// Status classifies the cache outcome.
	Status Status

	// Coalesced is true when this caller attached to an execution
	// started by another caller instead of running the producer itself.
	Coalesced bool

	// Batched is true when the operation was routed through a batch
	// group rather than executed directly.
	Batched bool

	// Key is the derived cache key for the operation.
	Key string
}

// Stats is a point-in-time snapshot of engine counters. Counters are
// cumulative since construction; gauges reflect the current moment.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	StaleHits uint64 `json:"stale_hits"`

	// Evictions counts entries removed by invalidation sweeps and by
	// the backend's own capacity or expiry eviction.
	Evictions uint64 `json:"evictions"`

	// Invalidations counts invalidation calls, not affected entries.
	Invalidations uint64 `json:"invalidations"`

	// CoalescedRequests counts callers that attached to an in-flight
	// execution instead of starting their own.
	CoalescedRequests uint64 `json:"coalesced_requests"`

	// Executions counts producer and batch executions started on behalf
	// of Do, including background revalidations.
	Executions uint64 `json:"executions"`

	BackendErrors uint64 `json:"backend_errors"`

	// SelfHeals counts unusable entries dropped on read.
	SelfHeals uint64 `json:"self_heals"`

	// RaceDrops counts finished writes discarded because their names
	// were invalidated while the producer ran.
	RaceDrops uint64 `json:"race_drops"`

	// InFlight is the number of executions currently running.
	InFlight int64 `json:"in_flight"`

	// OpenBatchWindows is the number of batch windows currently
	// collecting items.
	OpenBatchWindows int64 `json:"open_batch_windows"`
}
