package ring

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"math/rand"
)

// ReplicaCount is the number of replicas held for each logical key.
// The ring is divided into this many quadrants; each node owns one.
const ReplicaCount = 4

// Key is an unsigned 128-bit ring position. The ring wraps modulo 2^128.
type Key struct {
	Hi uint64 // Hi holds the most significant 64 bits
	Lo uint64 // Lo holds the least significant 64 bits
}

// quarter is 2^126, the width of one quadrant.
var quarter = Key{Hi: 1 << 62, Lo: 0}

// MaxKey is the largest representable key, 2^128 - 1.
var MaxKey = Key{Hi: ^uint64(0), Lo: ^uint64(0)}

// Add returns k + other modulo 2^128.
func (k Key) Add(other Key) Key {
	lo, carry := bits.Add64(k.Lo, other.Lo, 0)
	hi, _ := bits.Add64(k.Hi, other.Hi, carry)

	return Key{Hi: hi, Lo: lo}
}

// Sub returns k - other modulo 2^128.
func (k Key) Sub(other Key) Key {
	lo, borrow := bits.Sub64(k.Lo, other.Lo, 0)
	hi, _ := bits.Sub64(k.Hi, other.Hi, borrow)

	return Key{Hi: hi, Lo: lo}
}

// Next returns k + 1 modulo 2^128.
func (k Key) Next() Key {
	return k.Add(Key{Lo: 1})
}

// Prev returns k - 1 modulo 2^128.
func (k Key) Prev() Key {
	return k.Sub(Key{Lo: 1})
}

// Cmp compares k and other as plain 128-bit integers.
// Returns -1, 0 or 1.
func (k Key) Cmp(other Key) int {
	switch {
	case k.Hi < other.Hi:
		return -1
	case k.Hi > other.Hi:
		return 1
	case k.Lo < other.Lo:
		return -1
	case k.Lo > other.Lo:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.Hi == 0 && k.Lo == 0
}

// Bytes returns the 16-byte big-endian encoding of k.
// Lexicographic order of encodings equals numeric order of keys.
func (k Key) Bytes() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], k.Hi)
	binary.BigEndian.PutUint64(buf[8:16], k.Lo)

	return buf
}

// KeyFromBytes decodes a key from its 16-byte big-endian encoding.
func KeyFromBytes(data []byte) (Key, error) {
	if len(data) != 16 {
		return Key{}, fmt.Errorf("invalid key size: got %d, want 16", len(data))
	}

	return Key{
		Hi: binary.BigEndian.Uint64(data[0:8]),
		Lo: binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// String returns the hex representation of k.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}

// Replica returns the j-th replica key of k: k + j*2^126 modulo 2^128.
// j is taken modulo ReplicaCount, so Replica(Replica(k, j), ReplicaCount-j)
// round-trips back to k.
func (k Key) Replica(j int) Key {
	j = ((j % ReplicaCount) + ReplicaCount) % ReplicaCount

	out := k
	for i := 0; i < j; i++ {
		out = out.Add(quarter)
	}

	return out
}

// ReplicaGroup returns all four replica keys of k, including k itself.
func (k Key) ReplicaGroup() [ReplicaCount]Key {
	var group [ReplicaCount]Key
	for j := range group {
		group[j] = k.Replica(j)
	}

	return group
}

// Quadrant returns the quadrant index of k in 0..3.
func (k Key) Quadrant() int {
	return int(k.Hi >> 62)
}

// RandKey returns a uniformly random key drawn from rnd.
func RandKey(rnd *rand.Rand) Key {
	return Key{Hi: rnd.Uint64(), Lo: rnd.Uint64()}
}
