package reqcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/reqcache/batch"
	flight "github.com/unkn0wn-root/reqcache/coalesce"
	"github.com/unkn0wn-root/reqcache/codec"
	"github.com/unkn0wn-root/reqcache/genstore"
	"github.com/unkn0wn-root/reqcache/internal/wire"
	"github.com/unkn0wn-root/reqcache/store"
)

// passPolicy stands in when a caller passes a nil Policy: no caching,
// no coalescing, direct execution.
var passPolicy = &Policy{}

type engine[V any] struct {
	ns     string
	prefix string
	st     store.Store
	codec  codec.Codec[V]
	keyer  Keyer
	idx    *nameIndex
	log    Logger
	hooks  Hooks

	flight flight.Group[V]

	bmu      sync.RWMutex
	batchers map[string]*batch.Processor[Operation, V]

	ttlDefault   time.Duration
	staleDefault time.Duration
	revalTimeout time.Duration
	setCost      func(encoded []byte) int64
	failClosed   bool
	coalesceOff  bool
	enabled      bool

	// now is swapped out by tests that walk entries through their
	// freshness windows without sleeping.
	now func() time.Time

	closed atomic.Bool

	hits          atomic.Uint64
	misses        atomic.Uint64
	staleHits     atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	executions    atomic.Uint64
	backendErrors atomic.Uint64
	selfHeals     atomic.Uint64
	raceDrops     atomic.Uint64
	inFlight      atomic.Int64
}

func newEngine[V any](opts Options[V]) (*engine[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("reqcache: Namespace is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("reqcache: Store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("reqcache: Codec is required")
	}
	if opts.DefaultTTL < 0 || opts.DefaultStaleTTL < 0 || opts.RevalidateTimeout < 0 {
		return nil, fmt.Errorf("reqcache: negative duration in options")
	}

	gens := opts.GenStore
	if gens == nil {
		gens = genstore.NewLocal(
			orDefault(opts.CleanupInterval, defaultGenSweep),
			orDefault(opts.GenRetention, defaultGenRetention),
		)
	}
	var keyer Keyer = VaryKeyer{AllQuery: true}
	if opts.Keyer != nil {
		keyer = opts.Keyer
	}
	var logger Logger = NopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	var hooks Hooks = NopHooks{}
	if opts.Hooks != nil {
		hooks = opts.Hooks
	}
	setCost := opts.SetCost
	if setCost == nil {
		setCost = func(encoded []byte) int64 { return int64(len(encoded)) }
	}

	e := &engine[V]{
		ns:           opts.Namespace,
		prefix:       "rq:" + opts.Namespace + ":",
		st:           opts.Store,
		codec:        opts.Codec,
		keyer:        keyer,
		idx:          newNameIndex(gens),
		log:          logger,
		hooks:        hooks,
		batchers:     make(map[string]*batch.Processor[Operation, V]),
		ttlDefault:   orDefault(opts.DefaultTTL, defaultTTL),
		staleDefault: opts.DefaultStaleTTL,
		revalTimeout: orDefault(opts.RevalidateTimeout, defaultRevalidateTimeout),
		setCost:      setCost,
		failClosed:   opts.FailClosed,
		coalesceOff:  opts.DisableCoalescing,
		enabled:      !opts.Disabled,
		now:          time.Now,
	}
	if n, ok := opts.Store.(store.EvictionNotifier); ok {
		n.OnEvict(e.onEvict)
	}
	return e, nil
}

// storageKey namespaces a derived key for the backend.
func (e *engine[V]) storageKey(key string) string {
	return e.prefix + key
}

// onEvict keeps the name index in step with evictions the backend
// performs on its own. The backend reports raw storage keys, including
// entries owned by other engines sharing it.
func (e *engine[V]) onEvict(key string) {
	if !strings.HasPrefix(key, e.prefix) {
		return
	}
	e.evictions.Add(1)
	e.idx.forget(key)
	e.hooks.Evicted(key)
}

func (e *engine[V]) Enabled() bool {
	return e.enabled && !e.closed.Load()
}

func (e *engine[V]) Key(op Operation) string {
	return e.keyer.Key(op)
}

func (e *engine[V]) Do(ctx context.Context, op Operation, pol *Policy, produce Producer[V]) (V, Meta, error) {
	var zero V
	if e.closed.Load() {
		return zero, Meta{}, ErrClosed
	}
	if pol == nil {
		pol = passPolicy
	}
	if !e.enabled {
		v, err := e.execute(ctx, op, pol, produce)
		return v, Meta{Status: StatusBypass, Batched: pol.Batch != ""}, err
	}

	key := e.keyer.Key(op)
	sk := e.storageKey(key)
	meta := Meta{Status: StatusBypass, Key: key, Batched: pol.Batch != ""}

	if pol.Cache {
		v, st, err := e.readEntry(ctx, sk)
		if err != nil && e.failClosed {
			return zero, meta, fmt.Errorf("reqcache: read %q: %w", key, err)
		}
		switch st {
		case StatusHit:
			meta.Status = StatusHit
			return v, meta, nil
		case StatusStale:
			meta.Status = StatusStale
			e.hooks.StaleServed(sk)
			e.revalidate(ctx, op, pol, sk, produce)
			return v, meta, nil
		}
		meta.Status = StatusMiss
		e.misses.Add(1)
	}

	fill := e.fill(op, pol, sk, produce)
	if e.coalesceOff || !pol.Coalesce {
		v, err := fill(ctx)
		return v, meta, err
	}
	v, shared, err := e.flight.Do(ctx, sk, fill)
	meta.Coalesced = shared
	return v, meta, err
}

// fill builds the function that runs on a miss: snapshot generations,
// execute, write back. The generation snapshot happens before the
// producer so a concurrent invalidation is caught at registration, and
// any survivor of that window is caught by read-side validation.
func (e *engine[V]) fill(op Operation, pol *Policy, sk string, produce Producer[V]) func(context.Context) (V, error) {
	return func(ctx context.Context) (V, error) {
		var zero V
		writeBack := pol.Cache
		var observed map[string]uint64
		if writeBack {
			var err error
			observed, err = e.idx.snapshot(ctx, bindingNames(pol))
			if err != nil {
				e.backendErrors.Add(1)
				e.hooks.BackendError("gen_snapshot", err)
				e.log.Warn("generation snapshot failed, skipping write-back", Fields{"key": sk, "error": err.Error()})
				writeBack = false
			}
		}

		v, err := e.execute(ctx, op, pol, produce)
		if err != nil {
			return zero, err
		}
		if writeBack {
			// Write-back failures never fail the request; the produced
			// value is correct regardless. They are counted and logged
			// inside writeEntry.
			_ = e.writeEntry(ctx, sk, v, pol, observed)
		}
		return v, nil
	}
}

// execute runs the real operation, either through a batch group or the
// producer directly.
func (e *engine[V]) execute(ctx context.Context, op Operation, pol *Policy, produce Producer[V]) (V, error) {
	var zero V
	e.executions.Add(1)
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	if pol.Batch != "" {
		e.bmu.RLock()
		proc := e.batchers[pol.Batch]
		e.bmu.RUnlock()
		if proc == nil {
			return zero, fmt.Errorf("%w: %q", ErrUnknownBatchGroup, pol.Batch)
		}
		return proc.Submit(ctx, pol.Batch, op)
	}
	if produce == nil {
		return zero, ErrNilProducer
	}
	return produce(ctx)
}

// revalidate refreshes a stale entry in the background. The work runs
// on a context detached from the serving request and shares the same
// flight as concurrent miss fills, so at most one refresh per key runs
// at a time no matter how many stale hits trigger it.
func (e *engine[V]) revalidate(ctx context.Context, op Operation, pol *Policy, sk string, produce Producer[V]) {
	fillFn := e.fill(op, pol, sk, produce)
	detached := context.WithoutCancel(ctx)
	go func() {
		rctx, cancel := context.WithTimeout(detached, e.revalTimeout)
		defer cancel()
		var err error
		if e.coalesceOff {
			_, err = fillFn(rctx)
		} else {
			_, _, err = e.flight.Do(rctx, sk, fillFn)
		}
		e.hooks.RevalidationDone(sk, err)
		if err != nil {
			e.log.Warn("revalidation failed", Fields{"key": sk, "error": err.Error()})
		} else {
			e.log.Debug("revalidated", Fields{"key": sk})
		}
	}()
}

// readEntry fetches, validates and classifies one entry. It returns an
// error only for backend failures; unusable entries are healed into
// misses. Hits and stale hits are counted here, misses by the caller
// once fail-open handling is resolved.
func (e *engine[V]) readEntry(ctx context.Context, sk string) (V, Status, error) {
	var zero V
	raw, ok, err := e.st.Get(ctx, sk)
	if err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("get", err)
		e.log.Warn("backend get failed", Fields{"key": sk, "error": err.Error()})
		return zero, StatusMiss, err
	}
	if !ok {
		return zero, StatusMiss, nil
	}

	ent, derr := wire.Decode(raw)
	if derr != nil {
		e.selfHeal(ctx, sk, "corrupt")
		return zero, StatusMiss, nil
	}

	if len(ent.Bindings) > 0 {
		names := make([]string, len(ent.Bindings))
		for i, b := range ent.Bindings {
			names[i] = b.Name
		}
		current, serr := e.idx.snapshot(ctx, names)
		if serr != nil {
			e.backendErrors.Add(1)
			e.hooks.BackendError("gen_snapshot", serr)
			e.log.Warn("generation check failed, treating as miss", Fields{"key": sk, "error": serr.Error()})
			return zero, StatusMiss, serr
		}
		for _, b := range ent.Bindings {
			if current[b.Name] != b.Gen {
				e.selfHeal(ctx, sk, "gen_mismatch")
				return zero, StatusMiss, nil
			}
		}
	}

	v, cerr := e.codec.Decode(ent.Payload)
	if cerr != nil {
		e.selfHeal(ctx, sk, "decode")
		return zero, StatusMiss, nil
	}

	now := e.now().UnixNano()
	switch {
	case now < ent.FreshUntil:
		e.hits.Add(1)
		return v, StatusHit, nil
	case ent.StaleUntil != 0 && now < ent.StaleUntil:
		e.staleHits.Add(1)
		return v, StatusStale, nil
	default:
		// Outlived its stale window, which happens on backends without
		// per-entry expiry. Purge it.
		if derr := e.st.Delete(ctx, sk); derr != nil {
			e.log.Warn("purge of expired entry failed", Fields{"key": sk, "error": derr.Error()})
		}
		e.idx.forget(sk)
		return zero, StatusMiss, nil
	}
}

// selfHeal drops an entry that can no longer be trusted.
func (e *engine[V]) selfHeal(ctx context.Context, sk, reason string) {
	e.selfHeals.Add(1)
	if err := e.st.Delete(ctx, sk); err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("delete", err)
	}
	e.idx.forget(sk)
	e.hooks.SelfHeal(sk, reason)
	e.log.Debug("dropped unusable entry", Fields{"key": sk, "reason": reason})
}

// writeEntry encodes, frames and stores a value, then registers its
// bindings. Registration re-checks the observed generations: when an
// invalidation moved any of them while the producer ran, the entry just
// written is deleted instead of registered.
func (e *engine[V]) writeEntry(ctx context.Context, sk string, value V, pol *Policy, observed map[string]uint64) error {
	payload, err := e.codec.Encode(value)
	if err != nil {
		e.log.Error("encode failed", Fields{"key": sk, "error": err.Error()})
		return fmt.Errorf("reqcache: encode: %w", err)
	}

	ttl := orDefault(pol.TTL, e.ttlDefault)
	staleTTL := orDefault(pol.StaleTTL, e.staleDefault)

	created := e.now().UnixNano()
	ent := wire.Entry{
		CreatedAt:  created,
		FreshUntil: created + ttl.Nanoseconds(),
		Payload:    payload,
	}
	if staleTTL > 0 {
		ent.StaleUntil = ent.FreshUntil + staleTTL.Nanoseconds()
	}
	if len(observed) > 0 {
		names := make([]string, 0, len(observed))
		for n := range observed {
			names = append(names, n)
		}
		sort.Strings(names)
		ent.Bindings = make([]wire.Binding, len(names))
		for i, n := range names {
			ent.Bindings[i] = wire.Binding{Name: n, Gen: observed[n]}
		}
	}

	raw, err := wire.Encode(ent)
	if err != nil {
		return fmt.Errorf("reqcache: frame: %w", err)
	}

	stored, err := e.st.Set(ctx, sk, raw, e.setCost(raw), ttl+staleTTL)
	if err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("set", err)
		e.log.Warn("backend set failed", Fields{"key": sk, "error": err.Error()})
		return err
	}
	if !stored {
		e.log.Debug("write rejected by backend", Fields{"key": sk})
		return nil
	}

	registered, err := e.idx.register(ctx, sk, observed)
	if err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("gen_snapshot", err)
		// Unverifiable entry: reads would also fail to validate it, so
		// drop it now rather than leave it outside the index.
		if derr := e.st.Delete(ctx, sk); derr != nil {
			e.log.Warn("rollback delete failed", Fields{"key": sk, "error": derr.Error()})
		}
		return err
	}
	if !registered {
		e.raceDrops.Add(1)
		if derr := e.st.Delete(ctx, sk); derr != nil {
			e.backendErrors.Add(1)
			e.hooks.BackendError("delete", derr)
			e.log.Warn("race rollback delete failed", Fields{"key": sk, "error": derr.Error()})
		}
		e.hooks.InvalidationRace(sk)
		e.log.Debug("write discarded, generation moved during produce", Fields{"key": sk})
	}
	return nil
}

func (e *engine[V]) Read(ctx context.Context, key string) (V, Status, error) {
	var zero V
	if e.closed.Load() {
		return zero, StatusMiss, ErrClosed
	}
	if !e.enabled {
		return zero, StatusBypass, nil
	}
	v, st, err := e.readEntry(ctx, e.storageKey(key))
	if err != nil {
		if e.failClosed {
			return zero, StatusMiss, fmt.Errorf("reqcache: read %q: %w", key, err)
		}
		err = nil
	}
	if st == StatusMiss {
		e.misses.Add(1)
	}
	return v, st, err
}

func (e *engine[V]) Write(ctx context.Context, key string, value V, pol *Policy) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.enabled {
		return nil
	}
	if pol == nil {
		pol = passPolicy
	}
	sk := e.storageKey(key)
	observed, err := e.idx.snapshot(ctx, bindingNames(pol))
	if err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("gen_snapshot", err)
		return fmt.Errorf("reqcache: write %q: %w", key, err)
	}
	if err := e.writeEntry(ctx, sk, value, pol, observed); err != nil {
		return fmt.Errorf("reqcache: write %q: %w", key, err)
	}
	return nil
}

func (e *engine[V]) Delete(ctx context.Context, key string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.enabled {
		return nil
	}
	sk := e.storageKey(key)
	if err := e.st.Delete(ctx, sk); err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("delete", err)
		return fmt.Errorf("reqcache: delete %q: %w", key, err)
	}
	e.idx.forget(sk)
	return nil
}

func (e *engine[V]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	return e.invalidateName(ctx, tagPrefix+tag)
}

func (e *engine[V]) InvalidateDependency(ctx context.Context, dep string) (int, error) {
	return e.invalidateName(ctx, depPrefix+dep)
}

func (e *engine[V]) invalidateName(ctx context.Context, name string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if !e.enabled {
		return 0, nil
	}
	keys, err := e.idx.invalidate(ctx, name)
	if err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("gen_bump", err)
		return 0, fmt.Errorf("reqcache: invalidate %q: %w", name, err)
	}
	e.invalidations.Add(1)

	dropped, errs := e.deleteKeys(ctx, keys)
	e.log.Info("invalidated", Fields{"name": name, "entries": dropped})
	if len(errs) > 0 {
		return dropped, &InvalidateError{Name: name, Errs: errs}
	}
	return dropped, nil
}

func (e *engine[V]) InvalidateOperation(ctx context.Context, name string) (int, error) {
	return e.purgePrefix(ctx, operationPrefix(name))
}

func (e *engine[V]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	return e.purgePrefix(ctx, prefix)
}

// purgePrefix removes every entry under a derived-key prefix. Unlike
// name invalidation there is no generation to bump, so a write racing
// the sweep can land after it; prefix sweeps are administrative, the
// race-proof path is tags and dependencies.
func (e *engine[V]) purgePrefix(ctx context.Context, prefix string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if !e.enabled {
		return 0, nil
	}
	sp := e.storageKey(prefix)
	var keys []string
	if err := e.st.Scan(ctx, sp, func(k string) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		e.backendErrors.Add(1)
		e.hooks.BackendError("scan", err)
		return 0, fmt.Errorf("reqcache: scan %q: %w", prefix, err)
	}
	e.invalidations.Add(1)
	for _, k := range keys {
		e.idx.forget(k)
	}

	dropped, errs := e.deleteKeys(ctx, keys)
	e.log.Info("purged prefix", Fields{"prefix": prefix, "entries": dropped})
	if len(errs) > 0 {
		return dropped, &InvalidateError{Name: prefix, Errs: errs}
	}
	return dropped, nil
}

// deleteKeys removes entries with bounded concurrency, collecting
// per-key failures instead of stopping at the first one.
func (e *engine[V]) deleteKeys(ctx context.Context, keys []string) (int, []error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(invalidateFanout)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := e.st.Delete(ctx, k); err != nil {
				e.backendErrors.Add(1)
				e.hooks.BackendError("delete", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	dropped := len(keys) - len(errs)
	e.evictions.Add(uint64(dropped))
	return dropped, errs
}

func (e *engine[V]) RegisterBatch(group string, cfg batch.Config, exec batch.Executor[Operation, V]) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if group == "" {
		return fmt.Errorf("reqcache: empty batch group name")
	}
	proc, err := batch.New(cfg, exec)
	if err != nil {
		return fmt.Errorf("reqcache: batch group %q: %w", group, err)
	}
	e.bmu.Lock()
	defer e.bmu.Unlock()
	if _, dup := e.batchers[group]; dup {
		return fmt.Errorf("%w: %q", ErrBatchGroupExists, group)
	}
	e.batchers[group] = proc
	return nil
}

func (e *engine[V]) Stats() Stats {
	fs := e.flight.Stats()
	var open int64
	e.bmu.RLock()
	for _, p := range e.batchers {
		open += p.Open()
	}
	e.bmu.RUnlock()

	return Stats{
		Hits:              e.hits.Load(),
		Misses:            e.misses.Load(),
		StaleHits:         e.staleHits.Load(),
		Evictions:         e.evictions.Load(),
		Invalidations:     e.invalidations.Load(),
		CoalescedRequests: fs.Coalesced,
		Executions:        e.executions.Load(),
		BackendErrors:     e.backendErrors.Load(),
		SelfHeals:         e.selfHeals.Load(),
		RaceDrops:         e.raceDrops.Load(),
		InFlight:          e.inFlight.Load(),
		OpenBatchWindows:  open,
	}
}

func (e *engine[V]) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.bmu.Lock()
	procs := make([]*batch.Processor[Operation, V], 0, len(e.batchers))
	for _, p := range e.batchers {
		procs = append(procs, p)
	}
	e.bmu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.idx.close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.st.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// bindingNames renders a policy's tags and dependencies into the shared
// index namespace, sorted and deduplicated.
func bindingNames(pol *Policy) []string {
	n := len(pol.Tags) + len(pol.Dependencies)
	if n == 0 {
		return nil
	}
	names := make([]string, 0, n)
	for _, t := range pol.Tags {
		names = append(names, tagPrefix+t)
	}
	for _, d := range pol.Dependencies {
		names = append(names, depPrefix+d)
	}
	sort.Strings(names)

	uniq := names[:1]
	for _, s := range names[1:] {
		if s != uniq[len(uniq)-1] {
			uniq = append(uniq, s)
		}
	}
	return uniq
}
