package repair

import (
	"encoding/binary"
	"fmt"

	"QuadRing/internal/art"
	"QuadRing/internal/bloom"
	"QuadRing/internal/kvstore"
	"QuadRing/internal/merkle"
	"QuadRing/internal/ring"
)

// Store is the slice of the replica store the repair engine touches.
// Implemented by *kvstore.Store.
type Store interface {
	Get(key ring.Key) (kvstore.Entry, bool, error)
	Apply(e kvstore.Entry) (bool, error)
	Range(iv ring.Interval, fn func(kvstore.Entry) error) error
	Count(iv ring.Interval) (int, error)

	// Change recording, armed while sessions run so concurrent writes
	// surface instead of hiding inside a stale summary.
	ArmChangeLog(iv ring.Interval)
	Changes() ([]kvstore.Entry, []ring.Key, error)
	DisarmChangeLog()
}

// summary is one side's reconciliation digest: the tagged variant behind
// the bloom/merkle/art dispatch. Built once per session and owned by it.
type summary struct {
	method   Method
	interval ring.Interval // normalised to quadrant zero
	quadrant int           // owning node's quadrant
	items    int

	filter *bloom.Filter  // bloom
	digest *merkle.Digest // merkle and art
	tree   *art.Tree      // art
}

// quadrantOffset returns the ring offset of quadrant q.
func quadrantOffset(q int) ring.Key {
	return ring.Key{}.Replica(q)
}

// normalise maps a local replica key into quadrant-zero coordinates.
func normalise(k ring.Key, quadrant int) ring.Key {
	return k.Replica(-quadrant)
}

// denormalise maps a quadrant-zero key back into the local key space.
func denormalise(k ring.Key, quadrant int) ring.Key {
	return k.Replica(quadrant)
}

// bloomItem serialises a (normalised key, version) pair for filter
// membership.
func bloomItem(k ring.Key, version uint64) []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, k.Bytes()...)

	return binary.BigEndian.AppendUint64(buf, version)
}

// buildSummary scans the local entries of the normalised interval and
// produces the configured summary type.
func buildSummary(store Store, iv ring.Interval, quadrant int, method Method, cfg Config) (*summary, error) {
	localIv := iv.Shift(quadrantOffset(quadrant))

	var items []merkle.Item

	err := store.Range(localIv, func(e kvstore.Entry) error {
		items = append(items, merkle.Item{
			Key:     normalise(e.Key, quadrant),
			Version: e.Version,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan interval %s:\n%w", localIv, err)
	}

	s := &summary{
		method:   method,
		interval: iv,
		quadrant: quadrant,
		items:    len(items),
	}

	switch method {
	case MethodBloom:
		expected := uint64(len(items))
		if expected == 0 {
			expected = 1
		}

		f, err := bloom.New(expected, cfg.BloomFPR)
		if err != nil {
			return nil, err
		}

		for _, it := range items {
			f.Add(bloomItem(it.Key, it.Version))
		}

		s.filter = f

	case MethodMerkle, MethodART:
		tree := merkle.New(iv, merkle.Config{
			BranchFactor: cfg.MerkleBranch,
			BucketSize:   cfg.MerkleBucket,
		})

		for _, it := range items {
			if err := tree.Insert(it); err != nil {
				return nil, err
			}
		}

		tree.Finalise()
		s.digest = tree.Digest()

		if method == MethodART {
			s.tree, err = art.Build(s.digest, art.Config{
				InnerFPR:   cfg.ArtInnerFPR,
				LeafFPR:    cfg.ArtLeafFPR,
				Correction: cfg.ArtCorrection,
			})
			if err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unknown method %v", method)
	}

	return s, nil
}

// message renders the summary as its wire form.
func (s *summary) message(id SessionID) (Message, error) {
	switch s.method {
	case MethodBloom:
		return &BloomSummary{
			ID:       id,
			Interval: s.interval,
			M:        s.filter.M(),
			K:        s.filter.K(),
			Seed:     s.filter.Seed(),
			Items:    s.filter.Count(),
			Filter:   s.filter.Bytes(),
		}, nil

	case MethodMerkle:
		digest, err := s.digest.Marshal()
		if err != nil {
			return nil, err
		}

		return &MerkleSummary{
			ID:       id,
			Interval: s.interval,
			Levels:   uint32(s.digest.Levels()),
			Digest:   digest,
		}, nil

	case MethodART:
		msg := &ARTSummary{ID: id, Interval: s.interval}

		for _, f := range s.tree.Filters() {
			msg.Levels = append(msg.Levels, FilterFrame{
				M:     f.M(),
				K:     f.K(),
				Seed:  f.Seed(),
				Items: f.Count(),
				Bits:  f.Bytes(),
			})
		}

		return msg, nil

	default:
		return nil, fmt.Errorf("unknown method %v", s.method)
	}
}

// structuralError marks summary problems that abort a session without
// retry: malformed payloads, parameter mismatches, interval disagreement.
type structuralError struct {
	reason string
}

func (e *structuralError) Error() string {
	return e.reason
}

// diff compares the peer's summary against local state and returns the
// local entries to push. When the session targets a single key the local
// side lacks, the key is returned for regeneration instead.
func (s *summary) diff(store Store, peer Message, target *ring.Key) (pushes []kvstore.Entry, regens []ring.Key, err error) {
	divergent, err := s.divergentIntervals(store, peer)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[ring.Key]struct{})

	for _, iv := range divergent {
		localIv := iv.Shift(quadrantOffset(s.quadrant))

		err := store.Range(localIv, func(e kvstore.Entry) error {
			norm := normalise(e.Key, s.quadrant)
			if _, dup := seen[norm]; dup {
				return nil
			}
			seen[norm] = struct{}{}

			pushes = append(pushes, e)

			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	// A targeted session regenerates its key when the local replica is
	// absent entirely: nothing to push, so ask the peer for its copy.
	if target != nil {
		if _, held := seen[*target]; !held {
			_, found, err := store.Get(denormalise(*target, s.quadrant))
			if err != nil {
				return nil, nil, err
			}

			if !found {
				regens = append(regens, *target)
			}
		}
	}

	return pushes, regens, nil
}

// divergentIntervals dispatches on the peer summary type and returns the
// normalised sub-intervals that differ.
func (s *summary) divergentIntervals(store Store, peer Message) ([]ring.Interval, error) {
	switch m := peer.(type) {
	case *BloomSummary:
		if s.method != MethodBloom {
			return nil, &structuralError{reason: fmt.Sprintf("peer sent bloom, session uses %v", s.method)}
		}

		if !m.Interval.Equal(s.interval) {
			return nil, &structuralError{reason: "interval disagreement"}
		}

		return s.bloomDivergence(store, m)

	case *MerkleSummary:
		if s.method != MethodMerkle {
			return nil, &structuralError{reason: fmt.Sprintf("peer sent merkle, session uses %v", s.method)}
		}

		remote, err := merkle.UnmarshalDigest(m.Digest)
		if err != nil {
			return nil, &structuralError{reason: fmt.Sprintf("malformed merkle digest: %v", err)}
		}

		divergent, err := merkle.Compare(s.digest, remote)
		if err != nil {
			return nil, &structuralError{reason: err.Error()}
		}

		return divergent, nil

	case *ARTSummary:
		if s.method != MethodART {
			return nil, &structuralError{reason: fmt.Sprintf("peer sent art, session uses %v", s.method)}
		}

		if !m.Interval.Equal(s.interval) {
			return nil, &structuralError{reason: "interval disagreement"}
		}

		levels := make([]*bloom.Filter, 0, len(m.Levels))
		for _, f := range m.Levels {
			filter, err := bloom.FromBytes(f.M, f.K, f.Seed, f.Bits, f.Items)
			if err != nil {
				return nil, &structuralError{reason: fmt.Sprintf("malformed art filter: %v", err)}
			}

			levels = append(levels, filter)
		}

		return art.Compare(s.digest, art.FromFilters(levels)), nil

	default:
		return nil, &structuralError{reason: fmt.Sprintf("unexpected summary %T", peer)}
	}
}

// bloomDivergence treats every local item absent from the peer filter as a
// divergent point interval. An empty peer filter diverges everywhere local
// items exist.
func (s *summary) bloomDivergence(store Store, m *BloomSummary) ([]ring.Interval, error) {
	filter, err := bloom.FromBytes(m.M, m.K, m.Seed, m.Filter, m.Items)
	if err != nil {
		return nil, &structuralError{reason: fmt.Sprintf("bloom parameter mismatch: %v", err)}
	}

	localIv := s.interval.Shift(quadrantOffset(s.quadrant))

	var divergent []ring.Interval

	err = store.Range(localIv, func(e kvstore.Entry) error {
		norm := normalise(e.Key, s.quadrant)

		if !filter.Contains(bloomItem(norm, e.Version)) {
			// Point interval (norm-1, norm] keeps the result disjoint.
			divergent = append(divergent, pointInterval(norm))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return divergent, nil
}

// pointInterval returns the arc containing exactly one key.
func pointInterval(k ring.Key) ring.Interval {
	iv, _ := ring.NewInterval(ring.LeftClosed, k, k, ring.RightClosed)
	return iv
}
