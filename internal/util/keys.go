package util

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ShortHash returns the first 16 hex characters of the SHA-256 of s.
// 64 bits of collision space is plenty for cache-key fingerprints.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Segment makes s safe for use inside a ':'-delimited key. Without this,
// names containing the delimiter would alias each other's prefix ranges.
func Segment(s string) string {
	if !strings.ContainsAny(s, ": ") {
		return s
	}
	r := strings.NewReplacer(":", "-", " ", "-")
	return r.Replace(s)
}

// CanonValues renders selected entries of a string multimap in a stable
// order: "k1=v1,v2;k2=v3". Keys are folded to lower case when fold is set
// (header semantics). Keys listed in want but absent from m are skipped.
// A nil want selects every key; an empty non-nil want selects none.
func CanonValues(m map[string][]string, want []string, fold bool) string {
	if len(m) == 0 {
		return ""
	}

	norm := make(map[string][]string, len(m))
	for k, vs := range m {
		if fold {
			k = strings.ToLower(k)
		}
		norm[k] = append(norm[k], vs...)
	}

	var keys []string
	if want == nil {
		keys = make([]string, 0, len(norm))
		for k := range norm {
			keys = append(keys, k)
		}
	} else {
		keys = make([]string, 0, len(want))
		for _, k := range want {
			if fold {
				k = strings.ToLower(k)
			}
			if _, ok := norm[k]; ok {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		vs := norm[k]
		if len(vs) > 1 {
			vs = append([]string(nil), vs...)
			sort.Strings(vs)
		}
		b.WriteString(strings.Join(vs, ","))
	}
	return b.String()
}
