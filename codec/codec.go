// Package codec defines value serialization for cache entries and ships
// implementations for the common formats.
package codec

// Codec encodes/decodes values V to []byte for storage. Implementations
// must be safe for concurrent use; all codecs in this package are.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
