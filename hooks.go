package reqcache

// Hooks receive engine lifecycle events. They exist for metrics and
// alerting; the engine already logs these events through its Logger.
//
// Hook methods are called synchronously on hot paths and must be cheap
// and non-blocking. Wrap slow sinks with hooks/async.
type Hooks interface {
	// SelfHeal fires when a read drops an unusable entry. reason is one
	// of "corrupt", "gen_mismatch" or "decode".
	SelfHeal(key, reason string)

	// BackendError fires when a storage or generation backend call
	// fails. op names the call, e.g. "get", "set", "delete", "scan",
	// "gen_snapshot", "gen_bump".
	BackendError(op string, err error)

	// StaleServed fires when a read answers with a stale value and
	// schedules background revalidation.
	StaleServed(key string)

	// RevalidationDone fires when a background revalidation finishes.
	// err is nil on success.
	RevalidationDone(key string, err error)

	// InvalidationRace fires when a finished write is discarded because
	// one of its tags or dependencies was invalidated mid-flight.
	InvalidationRace(key string)

	// Evicted fires when the backend evicts an entry on its own,
	// through capacity pressure or expiry. Not every backend reports
	// evictions.
	Evicted(key string)
}

// NopHooks ignores all events. It is the default when Options.Hooks is
// nil.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)        {}
func (NopHooks) BackendError(string, error)     {}
func (NopHooks) StaleServed(string)             {}
func (NopHooks) RevalidationDone(string, error) {}
func (NopHooks) InvalidationRace(string)        {}
func (NopHooks) Evicted(string)                 {}
