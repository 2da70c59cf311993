package genstore

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	gen    uint64
	bumped time.Time
}

// Local keeps generations in-process (the default). Counters for names that
// have not been bumped within the retention window are pruned by an optional
// background loop; a pruned name reads as generation 0 again, which is safe
// because every entry written under it has long expired by then. Size the
// retention well above the longest ttl+staleTtl in use.
type Local struct {
	mu       sync.RWMutex
	counters map[string]*counter

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ GenStore = (*Local)(nil)

// NewLocal starts a Local store. When both sweepEvery and retention are
// positive, a background loop prunes idle counters.
func NewLocal(sweepEvery, retention time.Duration) *Local {
	s := &Local{counters: make(map[string]*counter)}
	if sweepEvery > 0 && retention > 0 {
		s.ticker = time.NewTicker(sweepEvery)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	c := s.counters[name]
	s.mu.RUnlock()
	if c == nil {
		return 0, nil
	}
	return c.gen, nil
}

// SnapshotMany takes the read lock once for the whole set.
func (s *Local) SnapshotMany(_ context.Context, names []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(names))
	s.mu.RLock()
	for _, n := range names {
		if c := s.counters[n]; c != nil {
			out[n] = c.gen
		} else {
			out[n] = 0
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, name string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	c := s.counters[name]
	if c == nil {
		c = &counter{}
		s.counters[name] = c
	}
	c.gen++
	c.bumped = now
	g := c.gen
	s.mu.Unlock()
	return g, nil
}

func (s *Local) Cleanup(olderThan time.Duration) {
	if olderThan <= 0 {
		return
	}
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	for n, c := range s.counters {
		if !c.bumped.IsZero() && c.bumped.Before(cutoff) {
			delete(s.counters, n)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
		s.stopCh = nil
	}
	return nil
}
