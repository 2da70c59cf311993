// Package ristretto adapts dgraph-io/ristretto to the store interface.
//
// Ristretto hashes keys internally and cannot enumerate them, so the adapter
// keeps a keydir alongside the cache. The keydir is pruned on explicit
// deletes and via OnEvict; Scan double-checks membership against the cache,
// so keydir entries orphaned by silent admission drops are filtered out (and
// pruned) rather than surfaced.
package ristretto

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/reqcache/store"
)

type entry struct {
	key string
	val []byte
}

type Store struct {
	c   *rc.Cache
	dir sync.Map // key -> struct{}

	mu      sync.Mutex
	onEvict func(key string)
}

var _ store.Store = (*Store)(nil)
var _ store.EvictionNotifier = (*Store)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto store: invalid config")
	}
	s := &Store{}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnEvict: func(item *rc.Item) {
			e, ok := item.Value.(*entry)
			if !ok || e == nil {
				return
			}
			s.dir.Delete(e.key)
			s.mu.Lock()
			fn := s.onEvict
			s.mu.Unlock()
			if fn != nil {
				fn(e.key)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

func (s *Store) OnEvict(fn func(key string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	e, _ := v.(*entry)
	if e == nil {
		// unexpected entry shape; drop it
		s.c.Del(key)
		s.dir.Delete(key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
		if cost == 0 {
			cost = 1
		}
	}
	ok := s.c.SetWithTTL(key, &entry{key: key, val: value}, cost, ttl)
	if ok {
		s.dir.Store(key, struct{}{})
	}
	return ok, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.c.Del(key)
	s.dir.Delete(key)
	return nil
}

func (s *Store) Scan(_ context.Context, prefix string, fn func(key string) bool) error {
	s.dir.Range(func(k, _ any) bool {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		if _, ok := s.c.Get(key); !ok {
			s.dir.Delete(key) // orphaned keydir entry
			return true
		}
		return fn(key)
	})
	return nil
}

func (s *Store) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// Metrics exposes ristretto's own counters when enabled in Config.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
