package ring

import (
	"fmt"
	"math/bits"
)

// Bound characters for interval construction.
const (
	LeftOpen    byte = '('
	LeftClosed  byte = '['
	RightOpen   byte = ')'
	RightClosed byte = ']'
)

// Interval is a contiguous arc of the ring. Internally every non-trivial
// interval is normalised to half-open (left, right] form; keys are discrete,
// so a closed left bound [a is the same arc as (a-1. An arc whose bounds
// coincide after normalisation has travelled the whole ring and is stored as
// the full interval.
type Interval struct {
	left  Key  // left is the excluded left bound
	right Key  // right is the included right bound
	full  bool // full marks the whole ring
	empty bool // empty marks the empty interval
}

// EmptyInterval returns the interval containing no keys.
func EmptyInterval() Interval {
	return Interval{empty: true}
}

// FullInterval returns the interval covering the whole ring.
func FullInterval() Interval {
	return Interval{full: true}
}

// NewInterval builds an arc from explicit bound characters.
// leftBound must be '(' or '[', rightBound ')' or ']'.
func NewInterval(leftBound byte, left, right Key, rightBound byte) (Interval, error) {
	if leftBound != LeftOpen && leftBound != LeftClosed {
		return Interval{}, fmt.Errorf("invalid left bound %q", leftBound)
	}

	if rightBound != RightOpen && rightBound != RightClosed {
		return Interval{}, fmt.Errorf("invalid right bound %q", rightBound)
	}

	l := left
	if leftBound == LeftClosed {
		l = left.Prev()
	}

	r := right
	if rightBound == RightOpen {
		r = right.Prev()
	}

	return arcBetween(l, r), nil
}

// arcBetween returns the normalised arc (l, r]. Coinciding bounds mean the
// arc wrapped the whole way around.
func arcBetween(l, r Key) Interval {
	if l.Cmp(r) == 0 {
		return FullInterval()
	}

	return Interval{left: l, right: r}
}

// QuadrantInterval returns the arc owned by quadrant q in 0..3.
func QuadrantInterval(q int) Interval {
	q = ((q % ReplicaCount) + ReplicaCount) % ReplicaCount

	start := Key{}
	for i := 0; i < q; i++ {
		start = start.Add(quarter)
	}

	return arcBetween(start.Prev(), start.Add(quarter).Prev())
}

// Empty reports whether the interval contains no keys.
func (iv Interval) Empty() bool {
	return iv.empty
}

// IsFull reports whether the interval covers the whole ring.
func (iv Interval) IsFull() bool {
	return iv.full
}

// Equal reports whether two intervals cover the same set of keys.
func (iv Interval) Equal(o Interval) bool {
	if iv.empty || o.empty {
		return iv.empty == o.empty
	}

	if iv.full || o.full {
		return iv.full == o.full
	}

	return iv.left.Cmp(o.left) == 0 && iv.right.Cmp(o.right) == 0
}

// Contains reports whether k lies on the arc.
func (iv Interval) Contains(k Key) bool {
	switch {
	case iv.empty:
		return false
	case iv.full:
		return true
	case iv.left.Cmp(iv.right) < 0:
		return k.Cmp(iv.left) > 0 && k.Cmp(iv.right) <= 0
	default: // wraps through zero
		return k.Cmp(iv.left) > 0 || k.Cmp(iv.right) <= 0
	}
}

// Complement returns the arc covering exactly the keys iv does not.
func (iv Interval) Complement() Interval {
	switch {
	case iv.empty:
		return FullInterval()
	case iv.full:
		return EmptyInterval()
	default:
		return arcBetween(iv.right, iv.left)
	}
}

// Intersect returns the arcs common to iv and o. The result holds at most
// two arcs (two wrapping arcs can overlap at both ends of the ring).
func (iv Interval) Intersect(o Interval) []Interval {
	var out [][2]Key

	for _, a := range iv.segments() {
		for _, b := range o.segments() {
			lo := a[0]
			if b[0].Cmp(lo) > 0 {
				lo = b[0]
			}

			hi := a[1]
			if b[1].Cmp(hi) < 0 {
				hi = b[1]
			}

			if lo.Cmp(hi) <= 0 {
				out = append(out, [2]Key{lo, hi})
			}
		}
	}

	return fromSegments(out)
}

// Union returns the arcs covering every key of iv or o, merged where they
// overlap or touch.
func (iv Interval) Union(o Interval) []Interval {
	if iv.full || o.full {
		return []Interval{FullInterval()}
	}

	return fromSegments(append(iv.segments(), o.segments()...))
}

// Difference returns the arcs of iv not covered by o.
func (iv Interval) Difference(o Interval) []Interval {
	return iv.Intersect(o.Complement())
}

// Split partitions the interval into n arcs of equal width (the first
// arcs absorb the remainder). Arcs that would be empty are omitted, so the
// result may hold fewer than n intervals for very narrow inputs.
func (iv Interval) Split(n int) []Interval {
	if n <= 1 || iv.empty {
		return []Interval{iv}
	}

	start, width, rem := iv.splitBase(uint64(n))

	out := make([]Interval, 0, n)
	cur := start

	for i := 0; i < n; i++ {
		w := width
		if uint64(i) < rem {
			w = w.Add(Key{Lo: 1})
		}

		if w.IsZero() {
			continue
		}

		next := cur.Add(w)
		out = append(out, arcBetween(cur.Prev(), next.Prev()))
		cur = next
	}

	return out
}

// splitBase returns the first key of the interval, the base width of each of
// n parts, and the remainder spread over the leading parts.
func (iv Interval) splitBase(n uint64) (start, width Key, rem uint64) {
	if iv.full {
		// Divide 2^128, limbs (1, 0, 0) base 2^64, by n. The leading
		// quotient limb is zero for n >= 2.
		_, r := bits.Div64(0, 1, n)
		q1, r := bits.Div64(r, 0, n)
		q0, r := bits.Div64(r, 0, n)

		return Key{}, Key{Hi: q1, Lo: q0}, r
	}

	length := iv.right.Sub(iv.left)

	q1 := length.Hi / n
	r := length.Hi % n
	q0, r := bits.Div64(r, length.Lo, n)

	return iv.left.Next(), Key{Hi: q1, Lo: q0}, r
}

// Shift translates the interval by the given offset, rotating the arc
// around the ring. Empty and full intervals are unchanged.
func (iv Interval) Shift(offset Key) Interval {
	if iv.empty || iv.full {
		return iv
	}

	return Interval{left: iv.left.Add(offset), right: iv.right.Add(offset)}
}

// Spans returns the interval as closed [start, end] spans in plain integer
// order, splitting a wrapping arc in two. Useful for range scans over a
// store whose keys sort numerically.
func (iv Interval) Spans() [][2]Key {
	return iv.segments()
}

// segments returns the interval as closed [a, b] spans in plain integer
// order, splitting a wrapping arc in two.
func (iv Interval) segments() [][2]Key {
	switch {
	case iv.empty:
		return nil
	case iv.full:
		return [][2]Key{{{}, MaxKey}}
	case iv.left.Cmp(iv.right) < 0:
		return [][2]Key{{iv.left.Next(), iv.right}}
	case iv.left.Cmp(MaxKey) == 0:
		return [][2]Key{{{}, iv.right}}
	default:
		return [][2]Key{{iv.left.Next(), MaxKey}, {{}, iv.right}}
	}
}

// fromSegments merges closed spans back into normalised arcs, rejoining a
// pair that meets at the zero crossing.
func fromSegments(segs [][2]Key) []Interval {
	if len(segs) == 0 {
		return nil
	}

	sortSegments(segs)

	merged := segs[:1]
	for _, s := range segs[1:] {
		last := &merged[len(merged)-1]

		if s[0].Cmp(last[1].Next()) <= 0 || last[1].Cmp(MaxKey) == 0 {
			if s[1].Cmp(last[1]) > 0 {
				last[1] = s[1]
			}
			continue
		}

		merged = append(merged, s)
	}

	if len(merged) == 1 && merged[0][0].IsZero() && merged[0][1].Cmp(MaxKey) == 0 {
		return []Interval{FullInterval()}
	}

	// Rejoin across the zero crossing: a span starting at 0 and a span
	// ending at MaxKey form one wrapping arc.
	first, last := merged[0], merged[len(merged)-1]
	if len(merged) > 1 && first[0].IsZero() && last[1].Cmp(MaxKey) == 0 {
		merged = merged[1 : len(merged)-1]
		merged = append(merged, [2]Key{last[0], first[1]})
	}

	out := make([]Interval, 0, len(merged))
	for _, s := range merged {
		out = append(out, arcBetween(s[0].Prev(), s[1]))
	}

	return out
}

// sortSegments orders spans by their start key. Inputs are tiny (at most
// four spans), so insertion sort is enough.
func sortSegments(segs [][2]Key) {
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j][0].Cmp(segs[j-1][0]) < 0; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
}

// MarshalBinary encodes the interval as a flag byte followed by the two
// normalised bounds.
func (iv Interval) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 33)

	switch {
	case iv.empty:
		buf[0] = 'e'
	case iv.full:
		buf[0] = 'f'
	default:
		buf[0] = 'a'
		copy(buf[1:17], iv.left.Bytes())
		copy(buf[17:33], iv.right.Bytes())
	}

	return buf, nil
}

// UnmarshalBinary decodes an interval produced by MarshalBinary.
func (iv *Interval) UnmarshalBinary(data []byte) error {
	if len(data) != 33 {
		return fmt.Errorf("invalid interval size: got %d, want 33", len(data))
	}

	switch data[0] {
	case 'e':
		*iv = EmptyInterval()
	case 'f':
		*iv = FullInterval()
	case 'a':
		left, err := KeyFromBytes(data[1:17])
		if err != nil {
			return err
		}

		right, err := KeyFromBytes(data[17:33])
		if err != nil {
			return err
		}

		*iv = arcBetween(left, right)
	default:
		return fmt.Errorf("invalid interval tag %q", data[0])
	}

	return nil
}

// String renders the interval in bound notation.
func (iv Interval) String() string {
	switch {
	case iv.empty:
		return "∅"
	case iv.full:
		return "(ring)"
	default:
		return fmt.Sprintf("(%s, %s]", iv.left, iv.right)
	}
}
