package memory

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func mustSet(t *testing.T, s *Store, key, val string, ttl time.Duration) {
	t.Helper()
	ok, err := s.Set(context.Background(), key, []byte(val), 1, ttl)
	if err != nil || !ok {
		t.Fatalf("Set %q: ok=%v err=%v", key, ok, err)
	}
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	if _, ok, err := s.Get(ctx, "a"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	mustSet(t, s, "a", "1", 0)
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get: ok=%v err=%v v=%q", ok, err, v)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected miss after delete")
	}
	// deleting again is a no-op
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestTTLLazyExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{SweepInterval: time.Hour}) // sweep effectively off

	mustSet(t, s, "a", "1", 30*time.Millisecond)
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected miss after expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("lazy expiry should drop the entry, len=%d", s.Len())
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{MaxEntries: 2})

	mustSet(t, s, "a", "1", 0)
	mustSet(t, s, "b", "2", 0)

	// touch a so b becomes the LRU victim
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatalf("expected hit for a")
	}

	mustSet(t, s, "c", "3", 0)
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatalf("a should survive")
	}
	if _, ok, _ := s.Get(ctx, "c"); !ok {
		t.Fatalf("c should be present")
	}
}

func TestEvictCallbackFiresForCapacityAndExpiryOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{MaxEntries: 1, SweepInterval: 10 * time.Millisecond})

	var evicted []string
	done := make(chan string, 8)
	s.OnEvict(func(k string) { done <- k })

	mustSet(t, s, "a", "1", 0)
	mustSet(t, s, "b", "2", 0) // capacity eviction of a
	select {
	case k := <-done:
		evicted = append(evicted, k)
	case <-time.After(time.Second):
		t.Fatalf("no capacity eviction callback")
	}

	mustSet(t, s, "c", "3", 20*time.Millisecond) // evicts b, then c expires via sweep
	for len(evicted) < 3 {
		select {
		case k := <-done:
			evicted = append(evicted, k)
		case <-time.After(time.Second):
			t.Fatalf("missing eviction callbacks, got %v", evicted)
		}
	}

	sort.Strings(evicted)
	if fmt.Sprint(evicted) != "[a b c]" {
		t.Fatalf("unexpected eviction set: %v", evicted)
	}

	// explicit delete must not notify
	mustSet(t, s, "d", "4", 0)
	_ = s.Delete(ctx, "d")
	select {
	case k := <-done:
		t.Fatalf("unexpected eviction callback for explicit delete: %q", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	mustSet(t, s, "op:users:1", "u1", 0)
	mustSet(t, s, "op:users:2", "u2", 0)
	mustSet(t, s, "op:posts:1", "p1", 0)

	var got []string
	if err := s.Scan(ctx, "op:users:", func(k string) bool {
		got = append(got, k)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "op:users:1" || got[1] != "op:users:2" {
		t.Fatalf("Scan got %v", got)
	}

	// early stop
	n := 0
	_ = s.Scan(ctx, "op:", func(string) bool { n++; return false })
	if n != 1 {
		t.Fatalf("Scan should stop after fn returns false, calls=%d", n)
	}

	// fn may mutate the store
	if err := s.Scan(ctx, "op:users:", func(k string) bool {
		_ = s.Delete(ctx, k)
		return true
	}); err != nil {
		t.Fatalf("Scan with delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "op:users:1"); ok {
		t.Fatalf("scan-delete should have removed the key")
	}
}
