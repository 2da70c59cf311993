package reqcache

import (
	"net/url"
	"strings"

	"github.com/unkn0wn-root/reqcache/internal/util"
)

// Operation identifies one unit of upstream work: a request about to be
// executed, described by what it is rather than how it will run.
type Operation struct {
	// Name is the logical operation identity, e.g. "GET /posts" or
	// "search.query". Required. Keys derived for an operation are
	// grouped under its name, which is what makes
	// Engine.InvalidateOperation possible.
	Name string

	// Path is the concrete request path, if distinct from Name.
	Path string

	// Query holds request parameters. Which of them participate in the
	// cache key is decided by the Keyer.
	Query url.Values

	// Headers holds request headers. Header names are case-insensitive
	// for key derivation.
	Headers map[string][]string

	// Fingerprint, when non-empty, replaces the derived input identity
	// entirely. Use it when the caller already has a canonical digest
	// of the request, e.g. a hash of a POST body.
	Fingerprint string
}

// Keyer derives a cache key from an operation. Implementations must be
// deterministic: the same operation always yields the same key, and
// operations that may legally produce different values must yield
// different keys.
type Keyer interface {
	Key(op Operation) string
}

// KeyerFunc adapts a plain function to the Keyer interface.
type KeyerFunc func(op Operation) string

func (f KeyerFunc) Key(op Operation) string { return f(op) }

// PathKeyer keys on name and path only. All query parameters and
// headers are ignored, so every variant of an operation shares one
// entry. Suitable for endpoints whose response does not depend on
// parameters.
type PathKeyer struct{}

func (PathKeyer) Key(op Operation) string {
	return deriveKey(op, selectNone, nil)
}

// VaryKeyer keys on name, path and a chosen subset of the request.
// The zero value behaves like PathKeyer.
type VaryKeyer struct {
	// AllQuery includes every query parameter in the key. Takes
	// precedence over QueryParams.
	AllQuery bool

	// QueryParams lists the parameters that participate in the key.
	// Parameters absent from the request contribute nothing, so a
	// request with and without an ignored parameter still collide.
	QueryParams []string

	// Headers lists the headers that participate in the key, matched
	// case-insensitively.
	Headers []string
}

func (k VaryKeyer) Key(op Operation) string {
	query := k.QueryParams
	if k.AllQuery {
		query = nil // nil selects everything
	} else if query == nil {
		query = selectNone
	}
	headers := k.Headers
	if headers == nil {
		headers = selectNone
	}
	return deriveKey(op, query, headers)
}

// selectNone is a non-nil empty selection, distinct from nil which
// util.CanonValues reads as "all".
var selectNone = []string{}

// deriveKey renders the operation into a canonical string and hashes it
// into a key of the form "op:<name>:<digest>". The name segment stays
// readable so whole operations can be swept by prefix.
func deriveKey(op Operation, query, headers []string) string {
	canon := op.Fingerprint
	if canon == "" {
		var b strings.Builder
		b.WriteString(op.Name)
		b.WriteByte('\n')
		b.WriteString(op.Path)
		b.WriteByte('\n')
		b.WriteString(util.CanonValues(op.Query, query, false))
		b.WriteByte('\n')
		b.WriteString(util.CanonValues(op.Headers, headers, true))
		canon = b.String()
	}
	return operationPrefix(op.Name) + util.ShortHash(canon)
}

// operationPrefix is the shared key prefix for all variants of one
// operation name.
func operationPrefix(name string) string {
	return "op:" + util.Segment(name) + ":"
}
