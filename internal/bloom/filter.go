// Package bloom implements the Bloom filters used by replica reconciliation
// summaries. Filters are sized from an expected item count and a target
// false-positive rate; membership hashing is double hashing over a single
// blake3 digest, so two filters with the same parameters and seed probe the
// same bit positions for the same item.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

// Filter is a fixed-size Bloom filter.
type Filter struct {
	bits  []byte // bits is the backing bit array, LSB-first within a byte
	m     uint64 // m is the bit array size
	k     uint32 // k is the number of probes per item
	seed  uint64 // seed perturbs the hash family
	count uint64 // count is the number of inserted items
}

// New sizes a filter for the expected item count and false-positive rate
// using m = -n*ln(p)/(ln 2)^2 and k = round(m/n * ln 2).
func New(expected uint64, fpr float64) (*Filter, error) {
	if expected == 0 {
		return nil, fmt.Errorf("expected item count must be positive")
	}

	if fpr <= 0 || fpr >= 1 {
		return nil, fmt.Errorf("false-positive rate %v outside (0, 1)", fpr)
	}

	n := float64(expected)
	m := uint64(math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	k := uint32(math.Round(float64(m) / n * math.Ln2))

	if k == 0 {
		k = 1
	}

	return NewWithParams(m, k, 0)
}

// NewWithParams creates a filter with explicit bit count, probe count and
// hash seed. Used when reconstructing a remote peer's filter from the wire.
func NewWithParams(m uint64, k uint32, seed uint64) (*Filter, error) {
	if m == 0 || k == 0 {
		return nil, fmt.Errorf("invalid filter parameters m=%d k=%d", m, k)
	}

	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
		seed: seed,
	}, nil
}

// M returns the bit array size.
func (f *Filter) M() uint64 { return f.m }

// K returns the probe count.
func (f *Filter) K() uint32 { return f.k }

// Seed returns the hash seed.
func (f *Filter) Seed() uint64 { return f.seed }

// Count returns the number of inserted items.
func (f *Filter) Count() uint64 { return f.count }

// Add inserts an item.
func (f *Filter) Add(item []byte) {
	h1, h2 := f.hashPair(item)

	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		f.bits[pos/8] |= 1 << (pos % 8)
	}

	f.count++
}

// Contains reports whether the item may have been inserted. False means the
// item definitely was not inserted; an empty filter contains nothing.
func (f *Filter) Contains(item []byte) bool {
	if f.count == 0 {
		return false
	}

	h1, h2 := f.hashPair(item)

	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}

	return true
}

// Union merges other into f. Both filters must share m, k and seed.
func (f *Filter) Union(other *Filter) error {
	if f.m != other.m || f.k != other.k || f.seed != other.seed {
		return fmt.Errorf("filter parameter mismatch: m=%d/%d k=%d/%d seed=%d/%d",
			f.m, other.m, f.k, other.k, f.seed, other.seed)
	}

	for i, b := range other.bits {
		f.bits[i] |= b
	}

	f.count += other.count

	return nil
}

// Bytes returns the raw bit array. The caller must not modify it.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// FromBytes reconstructs a filter from wire parameters and a bit array.
// The item count of the remote filter travels separately.
func FromBytes(m uint64, k uint32, seed uint64, bits []byte, count uint64) (*Filter, error) {
	f, err := NewWithParams(m, k, seed)
	if err != nil {
		return nil, err
	}

	if uint64(len(bits)) != (m+7)/8 {
		return nil, fmt.Errorf("bit array size mismatch: got %d bytes, want %d", len(bits), (m+7)/8)
	}

	copy(f.bits, bits)
	f.count = count

	return f, nil
}

// hashPair derives the two base hashes for double hashing from one blake3
// digest of the item, perturbed by the seed.
func (f *Filter) hashPair(item []byte) (uint64, uint64) {
	digest := blake3.Sum256(item)

	h1 := binary.LittleEndian.Uint64(digest[0:8]) ^ f.seed
	h2 := binary.LittleEndian.Uint64(digest[8:16]) | 1 // odd, so probes cover the array

	return h1, h2
}
