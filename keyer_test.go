package reqcache

import (
	"net/url"
	"strings"
	"testing"
)

func postsOp() Operation {
	return Operation{
		Name: "GET /posts",
		Path: "/posts",
		Query: url.Values{
			"page": {"2"},
			"sort": {"date"},
		},
		Headers: map[string][]string{
			"Accept-Language": {"en"},
		},
	}
}

// ==============================
// Key derivation
// ==============================

func TestKeyIsDeterministic(t *testing.T) {
	k := VaryKeyer{AllQuery: true, Headers: []string{"Accept-Language"}}
	// Fresh Operation values each call so map iteration order cannot
	// leak into the key.
	a := k.Key(postsOp())
	b := k.Key(postsOp())
	if a != b {
		t.Fatalf("same operation derived %q and %q", a, b)
	}
}

func TestKeyShape(t *testing.T) {
	key := VaryKeyer{AllQuery: true}.Key(postsOp())
	const prefix = "op:GET-/posts:"
	if !strings.HasPrefix(key, prefix) {
		t.Fatalf("key %q lacks readable operation prefix %q", key, prefix)
	}
	digest := strings.TrimPrefix(key, prefix)
	if len(digest) != 16 {
		t.Fatalf("digest %q length = %d, want 16", digest, len(digest))
	}
}

func TestAllQueryVariesOnEveryParam(t *testing.T) {
	k := VaryKeyer{AllQuery: true}
	base := k.Key(postsOp())

	op := postsOp()
	op.Query.Set("page", "3")
	if k.Key(op) == base {
		t.Fatal("changed param did not change the key")
	}

	op = postsOp()
	op.Query.Add("sort", "title")
	if k.Key(op) == base {
		t.Fatal("added param value did not change the key")
	}
}

func TestVaryKeyerIgnoresUnselectedParams(t *testing.T) {
	k := VaryKeyer{QueryParams: []string{"page"}}
	base := k.Key(postsOp())

	op := postsOp()
	op.Query.Set("sort", "title") // not selected
	if k.Key(op) != base {
		t.Fatal("unselected param changed the key")
	}

	op = postsOp()
	op.Query.Set("page", "9") // selected
	if k.Key(op) == base {
		t.Fatal("selected param did not change the key")
	}
}

func TestVaryKeyerHeaderNamesFoldCase(t *testing.T) {
	k := VaryKeyer{Headers: []string{"accept-language"}}
	base := k.Key(postsOp())

	op := postsOp()
	delete(op.Headers, "Accept-Language")
	op.Headers["ACCEPT-LANGUAGE"] = []string{"en"}
	if k.Key(op) != base {
		t.Fatal("header name casing changed the key")
	}

	op = postsOp()
	op.Headers["Accept-Language"] = []string{"de"}
	if k.Key(op) == base {
		t.Fatal("header value change did not change the key")
	}
}

func TestPathKeyerCollapsesVariants(t *testing.T) {
	k := PathKeyer{}
	base := k.Key(postsOp())

	op := postsOp()
	op.Query.Set("page", "99")
	op.Headers["Accept-Language"] = []string{"fr"}
	if k.Key(op) != base {
		t.Fatal("PathKeyer must ignore query and headers")
	}

	op = postsOp()
	op.Path = "/posts/drafts"
	if k.Key(op) == base {
		t.Fatal("PathKeyer must vary on path")
	}
}

func TestFingerprintOverridesDerivation(t *testing.T) {
	k := VaryKeyer{AllQuery: true}

	a := postsOp()
	a.Fingerprint = "body-digest-1"
	b := postsOp()
	b.Fingerprint = "body-digest-1"
	b.Query.Set("page", "999") // ignored once a fingerprint is given
	if k.Key(a) != k.Key(b) {
		t.Fatal("same fingerprint must derive the same key")
	}

	c := postsOp()
	c.Fingerprint = "body-digest-2"
	if k.Key(a) == k.Key(c) {
		t.Fatal("different fingerprints must derive different keys")
	}
}

func TestZeroVaryKeyerActsAsPathKeyer(t *testing.T) {
	op := postsOp()
	if (VaryKeyer{}).Key(op) != (PathKeyer{}).Key(op) {
		t.Fatal("zero VaryKeyer should match PathKeyer")
	}
}

func TestKeyerFuncAdapts(t *testing.T) {
	f := KeyerFunc(func(op Operation) string { return "fixed:" + op.Name })
	if got := f.Key(postsOp()); got != "fixed:GET /posts" {
		t.Fatalf("KeyerFunc = %q", got)
	}
}
