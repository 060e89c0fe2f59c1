package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"QuadRing/internal/ring"
)

// Digest is the hash-only shape of a finalised tree: intervals, hashes and
// counts without the buckets. Digests are what peers exchange and compare.
type Digest struct {
	Interval ring.Interval
	Hash     []byte
	Count    uint32
	Children []*Digest
}

// Leaf reports whether the digest node has no children.
func (d *Digest) Leaf() bool {
	return len(d.Children) == 0
}

// Digest returns the hash-only view of a finalised tree.
// Returns nil if the tree is not finalised or covers the empty interval.
func (t *Tree) Digest() *Digest {
	if !t.finalised || t.root == nil {
		return nil
	}

	return digestNode(t.root)
}

func digestNode(n *node) *Digest {
	d := &Digest{
		Interval: n.interval,
		Hash:     n.hash,
		Count:    uint32(n.count),
	}

	for _, c := range n.children {
		d.Children = append(d.Children, digestNode(c))
	}

	return d
}

// Compare returns the minimal set of disjoint sub-intervals whose leaf
// signatures differ between two digests over the same interval. The result
// is symmetric in its arguments. Equal digests, including two empty trees,
// compare to no intervals.
func Compare(a, b *Digest) ([]ring.Interval, error) {
	if a == nil || b == nil {
		if a == b {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot compare a digest against nil")
	}

	if !a.Interval.Equal(b.Interval) {
		return nil, fmt.Errorf("interval disagreement: %s vs %s", a.Interval, b.Interval)
	}

	return compareNodes(a, b), nil
}

func compareNodes(a, b *Digest) []ring.Interval {
	if bytes.Equal(a.Hash, b.Hash) {
		return nil
	}

	// Descend only when both sides subdivide the same way; otherwise this
	// interval is as fine as the comparison gets.
	if a.Leaf() || b.Leaf() || len(a.Children) != len(b.Children) {
		return []ring.Interval{a.Interval}
	}

	var out []ring.Interval
	for i := range a.Children {
		out = append(out, compareNodes(a.Children[i], b.Children[i])...)
	}

	return out
}

// Levels returns the number of levels in the digest.
func (d *Digest) Levels() int {
	if d == nil {
		return 0
	}

	depth := 0
	for _, c := range d.Children {
		if l := c.Levels(); l > depth {
			depth = l
		}
	}

	return depth + 1
}

// Marshal encodes the digest in preorder for the wire.
func (d *Digest) Marshal() ([]byte, error) {
	if d == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := marshalNode(&buf, d); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func marshalNode(buf *bytes.Buffer, d *Digest) error {
	if len(d.Hash) != HashSize {
		return fmt.Errorf("invalid hash size %d", len(d.Hash))
	}

	if len(d.Children) > 255 {
		return fmt.Errorf("too many children: %d", len(d.Children))
	}

	iv, err := d.Interval.MarshalBinary()
	if err != nil {
		return err
	}

	buf.Write(iv)
	buf.Write(d.Hash)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], d.Count)
	buf.Write(count[:])

	buf.WriteByte(byte(len(d.Children)))

	for _, c := range d.Children {
		if err := marshalNode(buf, c); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalDigest decodes a digest produced by Marshal.
// Returns nil for empty input.
func UnmarshalDigest(data []byte) (*Digest, error) {
	if len(data) == 0 {
		return nil, nil
	}

	d, rest, err := unmarshalNode(data, 0)
	if err != nil {
		return nil, err
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after digest", len(rest))
	}

	return d, nil
}

// maxDigestDepth bounds recursion when decoding untrusted input.
const maxDigestDepth = 64

func unmarshalNode(data []byte, depth int) (*Digest, []byte, error) {
	if depth > maxDigestDepth {
		return nil, nil, fmt.Errorf("digest deeper than %d levels", maxDigestDepth)
	}

	const header = 33 + HashSize + 4 + 1

	if len(data) < header {
		return nil, nil, fmt.Errorf("truncated digest node: %d bytes", len(data))
	}

	d := &Digest{}
	if err := d.Interval.UnmarshalBinary(data[:33]); err != nil {
		return nil, nil, err
	}

	d.Hash = make([]byte, HashSize)
	copy(d.Hash, data[33:33+HashSize])

	d.Count = binary.BigEndian.Uint32(data[33+HashSize : 33+HashSize+4])

	childCount := int(data[header-1])
	rest := data[header:]

	for i := 0; i < childCount; i++ {
		var (
			c   *Digest
			err error
		)

		c, rest, err = unmarshalNode(rest, depth+1)
		if err != nil {
			return nil, nil, err
		}

		d.Children = append(d.Children, c)
	}

	return d, rest, nil
}
