// Package wire frames cache entries for storage.
//
// Layout (big-endian):
//
//	magic(4) | ver(1) | created(i64) | fresh(i64) | stale(i64) |
//	nbind(u16) | { nlen(u16) | name(nlen) | gen(u64) } * nbind |
//	plen(u32) | payload(plen)
//
// created/fresh/stale are Unix nanoseconds; stale==0 means no stale window.
// Bindings carry the invalidation names (with their generation observed at
// write time) the entry was registered under. Decode is strict: trailing
// bytes, truncation, or timestamp ordering violations are ErrCorrupt.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	hdrLen      = 4 + 1 + 8 + 8 + 8 + 2
	maxBindings = 0xFFFF
	maxNameLen  = 0xFFFF
)

var (
	ErrCorrupt = errors.New("reqcache: corrupt entry")

	// ErrEncode covers entries that cannot be framed (invalid timestamps,
	// oversized binding sets). Callers treat it as a programming error.
	ErrEncode = errors.New("reqcache: unencodable entry")

	magic4 = [...]byte{'R', 'Q', 'C', 'E'}
)

// Binding is one invalidation name with the generation observed at write time.
type Binding struct {
	Name string
	Gen  uint64
}

// Entry is the decoded form of a stored cache value.
type Entry struct {
	CreatedAt  int64
	FreshUntil int64
	StaleUntil int64 // 0 => entry has no stale window
	Bindings   []Binding
	Payload    []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames e. The returned slice does not alias e.Payload.
func Encode(e Entry) ([]byte, error) {
	if e.FreshUntil < e.CreatedAt {
		return nil, ErrEncode
	}
	if e.StaleUntil != 0 && e.StaleUntil < e.FreshUntil {
		return nil, ErrEncode
	}
	if len(e.Bindings) > maxBindings {
		return nil, ErrEncode
	}

	total := hdrLen
	for _, bd := range e.Bindings {
		if l := len(bd.Name); l == 0 || l > maxNameLen {
			return nil, ErrEncode
		}
		total += 2 + len(bd.Name) + 8
	}
	total += 4 + len(e.Payload)

	var buf bytes.Buffer
	buf.Grow(total)

	var u2 [2]byte
	var u4 [4]byte
	var u8 [8]byte

	buf.Write(magic4[:])
	buf.WriteByte(version)

	binary.BigEndian.PutUint64(u8[:], uint64(e.CreatedAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.FreshUntil))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.StaleUntil))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Bindings)))
	buf.Write(u2[:])
	for _, bd := range e.Bindings {
		binary.BigEndian.PutUint16(u2[:], uint16(len(bd.Name)))
		buf.Write(u2[:])
		buf.WriteString(bd.Name)
		binary.BigEndian.PutUint64(u8[:], bd.Gen)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// Decode parses b. Entry.Payload aliases b; copy it if b is reused.
func Decode(b []byte) (Entry, error) {
	var e Entry
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return e, ErrCorrupt
	}

	off := 5
	e.CreatedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.FreshUntil = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.StaleUntil = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	if e.FreshUntil < e.CreatedAt {
		return Entry{}, ErrCorrupt
	}
	if e.StaleUntil != 0 && e.StaleUntil < e.FreshUntil {
		return Entry{}, ErrCorrupt
	}

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	if n > 0 {
		e.Bindings = make([]Binding, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		nlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if nlen == 0 || nlen > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		name := b[off : off+nlen]
		off += nlen

		if off+8 > len(b) {
			return Entry{}, ErrCorrupt
		}
		gen := binary.BigEndian.Uint64(b[off : off+8])
		off += 8

		e.Bindings = append(e.Bindings, Binding{Name: string(name), Gen: gen})
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+plen]
	off += plen

	// no trailing bytes tolerated
	if off != len(b) {
		return Entry{}, ErrCorrupt
	}
	return e, nil
}
