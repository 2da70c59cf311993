// Package asynchook decouples hook sinks from the request path. Events
// are queued and delivered by worker goroutines; when the queue is full
// new events are dropped rather than blocking the engine.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:    10, // sample logs: ~every 10th self-heal
//	    StaleServedEvery: 100,
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	engine, _ := reqcache.New[User](reqcache.Options[User]{
//	    Namespace: "app:prod",
//	    Store:     st,
//	    Codec:     codec.JSON[User]{},
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/reqcache"
)

type Hooks struct {
	inner reqcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ reqcache.Hooks = (*Hooks)(nil)

func New(inner reqcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events submitted after
// Close panic on the closed channel, so close the engine first.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) BackendError(op string, err error) {
	h.try(func() { h.inner.BackendError(op, err) })
}
func (h *Hooks) StaleServed(k string) { h.try(func() { h.inner.StaleServed(k) }) }
func (h *Hooks) RevalidationDone(k string, err error) {
	h.try(func() { h.inner.RevalidationDone(k, err) })
}
func (h *Hooks) InvalidationRace(k string) { h.try(func() { h.inner.InvalidationRace(k) }) }
func (h *Hooks) Evicted(k string)          { h.try(func() { h.inner.Evicted(k) }) }
