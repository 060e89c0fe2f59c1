// Package merkle implements the interval-partitioned hash tree used to
// locate divergent key ranges between two replicas without exchanging the
// keys themselves. A tree summarises the (key, version) pairs of one ring
// interval; equal trees have equal root hashes, and differing trees disagree
// on a small set of leaf intervals.
package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"QuadRing/internal/ring"
)

const (
	// DefaultBranchFactor is the number of children an overflowing leaf
	// splits into.
	DefaultBranchFactor = 2

	// DefaultBucketSize is the number of items a leaf holds before it
	// splits.
	DefaultBucketSize = 64

	// HashSize is the size of node hashes in bytes.
	HashSize = 32
)

// ErrFinalised is returned by Insert after Finalise has been called.
var ErrFinalised = errors.New("tree is finalised")

// emptyLeafHash marks a leaf with no items. A fixed constant, so empty
// ranges compare equal between peers.
var emptyLeafHash = func() []byte {
	h := blake3.Sum256([]byte("merkle empty leaf"))
	return h[:]
}()

// Item is one tree entry: a ring key and the version of its store entry.
type Item struct {
	Key     ring.Key
	Version uint64
}

// Config controls tree shape and hashing.
type Config struct {
	BranchFactor int                   // BranchFactor is the split fan-out, default 2
	BucketSize   int                   // BucketSize is the leaf capacity, default 64
	LeafHash     func([]byte) []byte   // LeafHash hashes a serialised bucket
	InnerHash    func([][]byte) []byte // InnerHash combines child hashes
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.BranchFactor < 2 {
		c.BranchFactor = DefaultBranchFactor
	}

	if c.BucketSize < 1 {
		c.BucketSize = DefaultBucketSize
	}

	if c.LeafHash == nil {
		c.LeafHash = func(data []byte) []byte {
			h := blake3.Sum256(data)
			return h[:]
		}
	}

	if c.InnerHash == nil {
		c.InnerHash = XORHash
	}

	return c
}

// XORHash combines equal-length child hashes by bitwise XOR. Commutative,
// which is safe here only because child intervals are disjoint.
func XORHash(hashes [][]byte) []byte {
	out := make([]byte, HashSize)

	for _, h := range hashes {
		for i := range out {
			out[i] ^= h[i]
		}
	}

	return out
}

// node is one tree node. Exactly one of bucket (leaf) or children (inner)
// is in use.
type node struct {
	interval ring.Interval
	hash     []byte
	count    int // bucket length for leaves, items in subtree for inner nodes
	bucket   []Item
	children []*node
}

// Tree is an interval-partitioned hash tree. Not safe for concurrent use;
// a tree belongs to the session that builds it.
type Tree struct {
	cfg       Config
	root      *node
	size      int
	finalised bool
}

// New creates an empty tree over the given interval.
func New(interval ring.Interval, cfg Config) *Tree {
	t := &Tree{cfg: cfg.withDefaults()}

	if !interval.Empty() {
		t.root = &node{interval: interval}
	}

	return t
}

// Size returns the number of inserted items.
func (t *Tree) Size() int {
	return t.size
}

// Interval returns the interval the tree covers.
func (t *Tree) Interval() ring.Interval {
	if t.root == nil {
		return ring.EmptyInterval()
	}

	return t.root.interval
}

// Insert adds an item to the leaf whose interval contains its key.
// Fails for keys outside the root interval, on trees over the empty
// interval, and after finalisation.
func (t *Tree) Insert(item Item) error {
	if t.finalised {
		return ErrFinalised
	}

	if t.root == nil {
		return errors.New("tree has no interval")
	}

	if !t.root.interval.Contains(item.Key) {
		return fmt.Errorf("key %s outside tree interval %s", item.Key, t.root.interval)
	}

	t.insert(t.root, item)
	t.size++

	return nil
}

// insert walks down to the leaf owning the item, splitting full leaves on
// the way.
func (t *Tree) insert(n *node, item Item) {
	for {
		n.count++

		if n.children == nil {
			if len(n.bucket) < t.cfg.BucketSize {
				n.bucket = append(n.bucket, item)
				return
			}

			if !t.split(n) {
				// Interval too narrow to subdivide; let the bucket grow.
				n.bucket = append(n.bucket, item)
				return
			}
		}

		n = childFor(n, item.Key)
	}
}

// split turns a full leaf into an inner node, redistributing its bucket
// over equi-partitioned child intervals. Returns false when the interval
// cannot be subdivided further.
func (t *Tree) split(n *node) bool {
	parts := n.interval.Split(t.cfg.BranchFactor)
	if len(parts) < 2 {
		return false
	}

	n.children = make([]*node, len(parts))
	for i, p := range parts {
		n.children[i] = &node{interval: p}
	}

	for _, item := range n.bucket {
		c := childFor(n, item.Key)
		c.bucket = append(c.bucket, item)
		c.count++
	}

	n.bucket = nil

	return true
}

// childFor returns the child whose interval contains the key. Child
// intervals partition the parent, so exactly one matches.
func childFor(n *node, k ring.Key) *node {
	for _, c := range n.children {
		if c.interval.Contains(k) {
			return c
		}
	}

	// Cannot happen: the parent interval contained the key.
	return n.children[len(n.children)-1]
}

// Finalise computes all node hashes bottom-up and freezes the tree.
// Finalising twice is a no-op.
func (t *Tree) Finalise() {
	if t.finalised {
		return
	}

	if t.root != nil {
		t.hashNode(t.root)
	}

	t.finalised = true
}

// Finalised reports whether Finalise has been called.
func (t *Tree) Finalised() bool {
	return t.finalised
}

// hashNode computes a node's hash from its bucket or its children.
func (t *Tree) hashNode(n *node) {
	if n.children == nil {
		if len(n.bucket) == 0 {
			n.hash = emptyLeafHash
			return
		}

		n.hash = t.cfg.LeafHash(serialiseBucket(n.bucket))
		return
	}

	hashes := make([][]byte, len(n.children))
	for i, c := range n.children {
		t.hashNode(c)
		hashes[i] = c.hash
	}

	n.hash = t.cfg.InnerHash(hashes)
}

// serialiseBucket renders a bucket as sorted (key, version) records, so the
// leaf hash depends only on the multiset of items.
func serialiseBucket(bucket []Item) []byte {
	sorted := make([]Item, len(bucket))
	copy(sorted, bucket)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.Cmp(sorted[j].Key) < 0
	})

	buf := make([]byte, 0, len(sorted)*24)
	for _, it := range sorted {
		buf = append(buf, it.Key.Bytes()...)
		buf = binary.BigEndian.AppendUint64(buf, it.Version)
	}

	return buf
}

// Hash returns the root hash of a finalised tree, or nil before
// finalisation. The hash of an empty tree over a non-empty interval is the
// empty leaf constant.
func (t *Tree) Hash() []byte {
	if t.root == nil {
		return emptyLeafHash
	}

	return t.root.hash
}
