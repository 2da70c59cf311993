package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/reqcache"
)

func mustParse(t *testing.T, doc string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

// ==============================
// Parsing and validation
// ==============================

func TestParseOverlaysDefaults(t *testing.T) {
	cfg := mustParse(t, `
namespace: app-prod
storage:
  type: memory
`)
	if cfg.Namespace != "app-prod" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if cfg.TTL != 10*time.Minute {
		t.Fatalf("default ttl = %v", cfg.TTL)
	}
	if cfg.RevalidateTimeout != 30*time.Second {
		t.Fatalf("default revalidate_timeout = %v", cfg.RevalidateTimeout)
	}
	if cfg.Keying.Mode != "query" {
		t.Fatalf("default keying mode = %q", cfg.Keying.Mode)
	}
	if cfg.Storage.Memory.MaxEntries != 100_000 {
		t.Fatalf("default memory max_entries = %d", cfg.Storage.Memory.MaxEntries)
	}
	if cfg.Coalesce != nil {
		t.Fatalf("coalesce should be unset, got %v", *cfg.Coalesce)
	}
}

func TestParseExplicitValuesWin(t *testing.T) {
	cfg := mustParse(t, `
namespace: app
ttl: 60000000000
stale_ttl: 30000000000
coalesce: false
storage:
  type: ristretto
  ristretto:
    max_cost: 1024
`)
	if cfg.TTL != time.Minute {
		t.Fatalf("ttl = %v", cfg.TTL)
	}
	if cfg.StaleTTL != 30*time.Second {
		t.Fatalf("stale_ttl = %v", cfg.StaleTTL)
	}
	if cfg.Coalesce == nil || *cfg.Coalesce {
		t.Fatal("coalesce should parse as explicit false")
	}
	if cfg.Storage.Ristretto.MaxCost != 1024 {
		t.Fatalf("ristretto max_cost = %d", cfg.Storage.Ristretto.MaxCost)
	}
	// Untouched sibling defaults survive the overlay.
	if cfg.Storage.Ristretto.BufferItems != 64 {
		t.Fatalf("ristretto buffer_items = %d", cfg.Storage.Ristretto.BufferItems)
	}
}

func TestParseRejectsMissingNamespace(t *testing.T) {
	_, err := Parse([]byte("storage:\n  type: memory\n"))
	if err == nil {
		t.Fatal("expected validation error for missing namespace")
	}
}

func TestParseRejectsUnknownStorageType(t *testing.T) {
	_, err := Parse([]byte("namespace: x\nstorage:\n  type: etcd\n"))
	if err == nil || !strings.Contains(err.Error(), "validate") {
		t.Fatalf("expected oneof violation, got %v", err)
	}
}

func TestParseRejectsBatchWithoutSize(t *testing.T) {
	_, err := Parse([]byte(`
namespace: x
storage:
  type: memory
batches:
  posts:
    max_wait: 5000000
`))
	if err == nil {
		t.Fatal("expected validation error for batch without max_size")
	}
}

// ==============================
// Builders
// ==============================

func TestKeyerModes(t *testing.T) {
	cfg := mustParse(t, "namespace: x\nstorage:\n  type: memory\nkeying:\n  mode: path\n")
	if _, ok := cfg.Keyer().(reqcache.PathKeyer); !ok {
		t.Fatalf("mode path built %T", cfg.Keyer())
	}

	cfg = mustParse(t, `
namespace: x
storage:
  type: memory
keying:
  mode: vary
  query_params: [id, page]
  headers: [Accept-Language]
`)
	vk, ok := cfg.Keyer().(reqcache.VaryKeyer)
	if !ok {
		t.Fatalf("mode vary built %T", cfg.Keyer())
	}
	if vk.AllQuery {
		t.Fatal("vary mode must not select the full query")
	}
	if len(vk.QueryParams) != 2 || vk.QueryParams[0] != "id" {
		t.Fatalf("query params = %v", vk.QueryParams)
	}
	if len(vk.Headers) != 1 || vk.Headers[0] != "Accept-Language" {
		t.Fatalf("headers = %v", vk.Headers)
	}

	cfg = mustParse(t, "namespace: x\nstorage:\n  type: memory\n")
	dk, ok := cfg.Keyer().(reqcache.VaryKeyer)
	if !ok || !dk.AllQuery {
		t.Fatalf("default keyer = %#v", cfg.Keyer())
	}
}

func TestPolicyCarriesConfiguredWindows(t *testing.T) {
	cfg := mustParse(t, `
namespace: x
ttl: 60000000000
stale_ttl: 30000000000
storage:
  type: memory
`)
	pol := cfg.Policy()
	if !pol.Cache || !pol.Coalesce {
		t.Fatalf("policy = %+v", pol)
	}
	if pol.TTL != time.Minute || pol.StaleTTL != 30*time.Second {
		t.Fatalf("policy windows = %v / %v", pol.TTL, pol.StaleTTL)
	}

	cfg = mustParse(t, "namespace: x\ncoalesce: false\nstorage:\n  type: memory\n")
	if cfg.Policy().Coalesce {
		t.Fatal("coalesce: false must carry into the policy")
	}
}

func TestBatchConfigLookup(t *testing.T) {
	cfg := mustParse(t, `
namespace: x
storage:
  type: memory
batches:
  posts:
    max_size: 32
    max_wait: 5000000
`)
	bc, ok := cfg.BatchConfig("posts")
	if !ok {
		t.Fatal("posts group should exist")
	}
	if bc.MaxSize != 32 || bc.MaxWait != 5*time.Millisecond {
		t.Fatalf("batch config = %+v", bc)
	}
	if _, ok := cfg.BatchConfig("absent"); ok {
		t.Fatal("absent group should not resolve")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := mustParse(t, "namespace: x\nstorage:\n  type: memory\n")
	st, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	ctx := context.Background()
	if _, err := st.Set(ctx, "k", []byte("v"), 1, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := st.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
}
