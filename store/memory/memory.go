// Package memory provides the default in-process store: a bounded map with
// LRU eviction, per-entry TTLs, and a background sweep for expired entries.
package memory

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const defaultSweep = time.Minute

type entry struct {
	key string
	val []byte
	exp time.Time // zero => no expiry
}

// Store is a fixed-capacity LRU byte store. Values are held and returned by
// reference; callers must treat them as immutable.
type Store struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	max     int
	onEvict func(key string)

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Config struct {
	// MaxEntries bounds the store; 0 means unbounded. When full, the least
	// recently used entry is evicted to admit a new one.
	MaxEntries int
	// SweepInterval is how often expired entries are collected; 0 => 1m.
	// Expired entries are also dropped lazily on access.
	SweepInterval time.Duration
}

func New(cfg Config) *Store {
	s := &Store{
		items: make(map[string]*list.Element),
		order: list.New(),
		max:   cfg.MaxEntries,
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweep
	}
	s.ticker = time.NewTicker(sweep)
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.removeExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
	return s
}

// OnEvict registers a callback fired for entries removed by capacity
// pressure or TTL expiry (not for explicit deletes). Register before use.
func (s *Store) OnEvict(fn func(key string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if !e.exp.IsZero() && now.After(e.exp) {
		s.removeLocked(el)
		fn := s.onEvict
		s.mu.Unlock()
		if fn != nil {
			fn(key)
		}
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	v := e.val
	s.mu.Unlock()
	return v, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		e.val, e.exp = value, exp
		s.order.MoveToFront(el)
		s.mu.Unlock()
		return true, nil
	}

	var evicted string
	var notify bool
	if s.max > 0 && len(s.items) >= s.max {
		if back := s.order.Back(); back != nil {
			evicted = back.Value.(*entry).key
			s.removeLocked(back)
			notify = true
		}
	}
	el := s.order.PushFront(&entry{key: key, val: value, exp: exp})
	s.items[key] = el
	fn := s.onEvict
	s.mu.Unlock()

	if notify && fn != nil {
		fn(evicted)
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Scan(_ context.Context, prefix string, fn func(key string) bool) error {
	now := time.Now()

	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k, el := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		e := el.Value.(*entry)
		if !e.exp.IsZero() && now.After(e.exp) {
			continue
		}
		keys = append(keys, k)
	}
	s.mu.Unlock()

	// fn runs outside the lock so it may call back into the store
	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// Len reports the number of stored entries, including not-yet-swept
// expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	n := len(s.items)
	s.mu.Unlock()
	return n
}

func (s *Store) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
		s.stopCh = nil
	}
	return nil
}

func (s *Store) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.order.Remove(el)
	delete(s.items, e.key)
}

func (s *Store) removeExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for k, el := range s.items {
		e := el.Value.(*entry)
		if !e.exp.IsZero() && now.After(e.exp) {
			expired = append(expired, k)
			s.removeLocked(el)
		}
	}
	fn := s.onEvict
	s.mu.Unlock()

	if fn != nil {
		for _, k := range expired {
			fn(k)
		}
	}
}
