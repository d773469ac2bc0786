// Package wire frames cache entries so reads can tell a real value, a
// negative marker and a logical-expiry wrapper apart, and can detect foreign
// or truncated bytes under the cache's keyspace.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1

	// KindPlain is a value stored with a store-native TTL.
	KindPlain byte = 1
	// KindNegative marks a key known absent from the durable source.
	// It carries no payload and lives under a short store TTL.
	KindNegative byte = 2
	// KindLogical is a value with an application-level deadline and no
	// store-native TTL. Freshness is judged against ExpireAt, not the store.
	KindLogical byte = 3
)

var (
	ErrCorrupt = errors.New("flashcache: corrupt entry")
	magic4     = [...]byte{'F', 'L', 'S', 'H'}
)

// Entry is a decoded cache record.
type Entry struct {
	Kind     byte
	ExpireAt time.Time // set only for KindLogical
	Payload  []byte    // nil for KindNegative
}

// Expired reports whether a logical entry's deadline has passed at now.
// Non-logical entries never expire at this layer.
func (e Entry) Expired(now time.Time) bool {
	return e.Kind == KindLogical && !e.ExpireAt.After(now)
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Plain: magic(4) | ver(1) | kind(1) | vlen(u32 be) | payload(vlen)
func EncodePlain(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindPlain)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Negative: magic(4) | ver(1) | kind(1)
func EncodeNegative() []byte {
	b := make([]byte, 0, 6)
	b = append(b, magic4[:]...)
	b = append(b, version, KindNegative)
	return b
}

// Logical: magic(4) | ver(1) | kind(1) | deadline unix-milli (u64 be) | vlen(u32 be) | payload(vlen)
func EncodeLogical(expireAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindLogical)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(expireAt.UnixMilli()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	kind := b[5]
	off := 6

	switch kind {
	case KindNegative:
		if len(b) != hdr {
			return Entry{}, ErrCorrupt
		}
		return Entry{Kind: KindNegative}, nil

	case KindPlain:
		if off+4 > len(b) {
			return Entry{}, ErrCorrupt
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen != len(b)-off { // overflow-safe bound check
			return Entry{}, ErrCorrupt
		}
		return Entry{Kind: KindPlain, Payload: b[off : off+vlen]}, nil

	case KindLogical:
		if off+8+4 > len(b) {
			return Entry{}, ErrCorrupt
		}
		ms := binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen != len(b)-off {
			return Entry{}, ErrCorrupt
		}
		return Entry{
			Kind:     KindLogical,
			ExpireAt: time.UnixMilli(int64(ms)),
			Payload:  b[off : off+vlen],
		}, nil

	default:
		return Entry{}, ErrCorrupt
	}
}
