package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/reqcache"
)

type Options struct {
	// Sampling to avoid floods on hot events; 0/1 = log all.
	SelfHealEvery    uint64
	StaleServedEvery uint64
	EvictedEvery     uint64
	BackendErrEvery  uint64

	// Optional key redactor. Defaults to SHA-256 prefix, so keys that
	// embed request input never reach log storage verbatim.
	Redact func(string) string
}

// Hooks logs engine events through slog, with per-event sampling for
// the ones that fire on every request during an incident.
type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	staleCtr      atomic.Uint64
	evictedCtr    atomic.Uint64
	backendErrCtr atomic.Uint64
}

var _ reqcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("reqcache.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) BackendError(op string, err error) {
	if h.l == nil || !sample(h.opts.BackendErrEvery, &h.backendErrCtr) {
		return
	}
	h.l.Warn("reqcache.backend_error",
		"op", op,
		"err", err)
}

func (h *Hooks) StaleServed(key string) {
	if h.l == nil || !sample(h.opts.StaleServedEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("reqcache.stale_served",
		"key", h.redact(key))
}

func (h *Hooks) RevalidationDone(key string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Warn("reqcache.revalidation_failed",
			"key", h.redact(key),
			"err", err)
		return
	}
	h.l.Debug("reqcache.revalidated",
		"key", h.redact(key))
}

func (h *Hooks) InvalidationRace(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("reqcache.invalidation_race",
		"key", h.redact(key))
}

func (h *Hooks) Evicted(key string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("reqcache.evicted",
		"key", h.redact(key))
}
