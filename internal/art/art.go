// Package art implements approximate reconciliation trees: a Bloom filter
// per Merkle tree level, traded against exactness for a summary that is much
// smaller than the full digest. Comparison descends the local digest and
// marks any subtree whose hash is absent from the remote level filter as
// divergent; Bloom false positives can hide a difference, never invent one.
package art

import (
	"fmt"
	"math"

	"QuadRing/internal/bloom"
	"QuadRing/internal/merkle"
	"QuadRing/internal/ring"
)

// Default false-positive rates and sizing correction. The correction factor
// enlarges each filter to compensate for error compounding across levels.
const (
	DefaultInnerFPR   = 0.001
	DefaultLeafFPR    = 0.01
	DefaultCorrection = 2.0
)

// Config controls filter sizing per level.
type Config struct {
	InnerFPR   float64 // InnerFPR is the false-positive rate of non-leaf levels
	LeafFPR    float64 // LeafFPR is the false-positive rate of the deepest level
	Correction float64 // Correction scales expected item counts when sizing
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.InnerFPR <= 0 || c.InnerFPR >= 1 {
		c.InnerFPR = DefaultInnerFPR
	}

	if c.LeafFPR <= 0 || c.LeafFPR >= 1 {
		c.LeafFPR = DefaultLeafFPR
	}

	if c.Correction < 1 {
		c.Correction = DefaultCorrection
	}

	return c
}

// Tree is a built approximate reconciliation tree: one Bloom filter of node
// hashes per digest level, root level first.
type Tree struct {
	levels []*bloom.Filter
}

// Build constructs the tree from a finalised Merkle digest.
func Build(d *merkle.Digest, cfg Config) (*Tree, error) {
	cfg = cfg.withDefaults()

	byLevel := hashesByLevel(d)

	t := &Tree{levels: make([]*bloom.Filter, len(byLevel))}

	for lvl, hashes := range byLevel {
		fpr := cfg.InnerFPR
		if lvl == len(byLevel)-1 {
			fpr = cfg.LeafFPR
		}

		expected := uint64(math.Ceil(float64(len(hashes)) * cfg.Correction))

		f, err := bloom.New(expected, fpr)
		if err != nil {
			return nil, fmt.Errorf("size level %d filter: %w", lvl, err)
		}

		for _, h := range hashes {
			f.Add(h)
		}

		t.levels[lvl] = f
	}

	return t, nil
}

// FromFilters reconstructs a tree received from the wire.
func FromFilters(levels []*bloom.Filter) *Tree {
	return &Tree{levels: levels}
}

// Filters returns the per-level filters, root level first.
func (t *Tree) Filters() []*bloom.Filter {
	return t.levels
}

// Levels returns the number of levels.
func (t *Tree) Levels() int {
	return len(t.levels)
}

// Compare walks the local digest against the remote tree and returns the
// leaf intervals of subtrees whose hashes are missing from the remote
// filters. A hash present in a filter ends the descent for that subtree.
func Compare(local *merkle.Digest, remote *Tree) []ring.Interval {
	if local == nil {
		return nil
	}

	return compareNode(local, remote, 0)
}

func compareNode(d *merkle.Digest, remote *Tree, level int) []ring.Interval {
	if level < len(remote.levels) && remote.levels[level].Contains(d.Hash) {
		return nil
	}

	// Below the remote tree's depth, or hash absent: the subtree diverges.
	if d.Leaf() {
		return []ring.Interval{d.Interval}
	}

	var out []ring.Interval
	for _, c := range d.Children {
		out = append(out, compareNode(c, remote, level+1)...)
	}

	return out
}

// hashesByLevel collects node hashes level by level, root first.
func hashesByLevel(d *merkle.Digest) [][][]byte {
	if d == nil {
		return nil
	}

	var levels [][][]byte

	frontier := []*merkle.Digest{d}
	for len(frontier) > 0 {
		hashes := make([][]byte, 0, len(frontier))
		var next []*merkle.Digest

		for _, n := range frontier {
			hashes = append(hashes, n.Hash)
			next = append(next, n.Children...)
		}

		levels = append(levels, hashes)
		frontier = next
	}

	return levels
}
