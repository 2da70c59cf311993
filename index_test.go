package reqcache

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/reqcache/genstore"
)

func newTestIndex(t *testing.T) *nameIndex {
	t.Helper()
	x := newNameIndex(genstore.NewLocal(0, time.Hour))
	t.Cleanup(func() { _ = x.close(context.Background()) })
	return x
}

func bound(x *nameIndex, name, key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.keysByName[name][key]
	return ok
}

// ==============================
// Name index
// ==============================

func TestRegisterBindsBothDirections(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	obs, err := x.snapshot(ctx, []string{"t:posts", "d:post:5"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	ok, err := x.register(ctx, "k1", obs)
	if err != nil || !ok {
		t.Fatalf("register = %v, %v", ok, err)
	}

	if !bound(x, "t:posts", "k1") || !bound(x, "d:post:5", "k1") {
		t.Fatal("key not bound under both names")
	}
	x.mu.Lock()
	names := len(x.namesByKey["k1"])
	x.mu.Unlock()
	if names != 2 {
		t.Fatalf("reverse refs = %d, want 2", names)
	}
}

func TestRegisterRejectsMovedGeneration(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	obs, _ := x.snapshot(ctx, []string{"t:posts"})
	if _, err := x.gens.Bump(ctx, "t:posts"); err != nil {
		t.Fatalf("Bump: %v", err)
	}

	ok, err := x.register(ctx, "k1", obs)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok {
		t.Fatal("register must fail after a bump")
	}
	if bound(x, "t:posts", "k1") {
		t.Fatal("rejected registration must not bind")
	}
}

func TestInvalidateReturnsAndUnbindsKeys(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	obs, _ := x.snapshot(ctx, []string{"t:posts", "t:feed"})
	if ok, _ := x.register(ctx, "k1", obs); !ok {
		t.Fatal("register k1")
	}
	only, _ := x.snapshot(ctx, []string{"t:posts"})
	if ok, _ := x.register(ctx, "k2", only); !ok {
		t.Fatal("register k2")
	}

	keys, err := x.invalidate(ctx, "t:posts")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("affected keys = %v, want k1 and k2", keys)
	}

	// k1 was also bound to t:feed; the cross-binding must be gone too,
	// its entry no longer exists under any name.
	if bound(x, "t:feed", "k1") || bound(x, "t:posts", "k1") || bound(x, "t:posts", "k2") {
		t.Fatal("invalidated keys still bound")
	}
	x.mu.Lock()
	orphans := len(x.namesByKey)
	x.mu.Unlock()
	if orphans != 0 {
		t.Fatalf("reverse refs leaked: %d", orphans)
	}
}

func TestInvalidateBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	before, _ := x.snapshot(ctx, []string{"t:posts"})
	if _, err := x.invalidate(ctx, "t:posts"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	after, _ := x.snapshot(ctx, []string{"t:posts"})
	if after["t:posts"] != before["t:posts"]+1 {
		t.Fatalf("generation %d -> %d, want +1", before["t:posts"], after["t:posts"])
	}
}

func TestForgetRemovesAllBindings(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	obs, _ := x.snapshot(ctx, []string{"t:posts", "d:post:5"})
	if ok, _ := x.register(ctx, "k1", obs); !ok {
		t.Fatal("register")
	}

	x.forget("k1")

	if bound(x, "t:posts", "k1") || bound(x, "d:post:5", "k1") {
		t.Fatal("forget left forward bindings")
	}
	x.mu.Lock()
	_, reverse := x.namesByKey["k1"]
	empty := len(x.keysByName)
	x.mu.Unlock()
	if reverse {
		t.Fatal("forget left reverse refs")
	}
	if empty != 0 {
		t.Fatal("empty name sets must be pruned")
	}
}

func TestSnapshotUnknownNamesReadZero(t *testing.T) {
	x := newTestIndex(t)
	got, err := x.snapshot(context.Background(), []string{"t:never"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got["t:never"] != 0 {
		t.Fatalf("untouched name generation = %d, want 0", got["t:never"])
	}
}
