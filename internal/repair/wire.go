package repair

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"QuadRing/internal/ring"
)

// NodeID identifies a node on the wire: the hex form of its network public
// key. Opaque to the repair engine.
type NodeID string

// SessionID identifies one reconciliation session: a per-initiator
// monotonically increasing sequence number, qualified by the initiator so
// ids from different nodes never collide.
type SessionID struct {
	Initiator NodeID
	Seq       uint64
}

// String renders the id for logs.
func (id SessionID) String() string {
	return fmt.Sprintf("%s/%d", id.Initiator, id.Seq)
}

// Kind tags a wire message.
type Kind uint8

// Wire message kinds. Names match the protocol message table.
const (
	KindRequestSync Kind = iota + 1
	KindBloomSummary
	KindMerkleSummary
	KindARTSummary
	KindResolveUpdate
	KindResolveRegen
	KindSessionDone
	KindSessionAbort
)

// Message is one repair protocol message.
type Message interface {
	Kind() Kind
	Session() SessionID
}

// RequestSync opens a session: the initiator asks the peer owning the
// replica key to reconcile the given normalised interval, healing the
// divergence kinds named by the repair type.
type RequestSync struct {
	ID         SessionID
	Method     Method
	RepairType RepairType
	ReplicaKey ring.Key
	Interval   ring.Interval
}

func (m *RequestSync) Kind() Kind         { return KindRequestSync }
func (m *RequestSync) Session() SessionID { return m.ID }

// BloomSummary carries a Bloom filter over the (key, version) items of the
// session interval. Filter bytes travel zstd-compressed.
type BloomSummary struct {
	ID       SessionID
	Interval ring.Interval
	M        uint64
	K        uint32
	Seed     uint64
	Items    uint64
	Filter   []byte
}

func (m *BloomSummary) Kind() Kind         { return KindBloomSummary }
func (m *BloomSummary) Session() SessionID { return m.ID }

// MerkleSummary carries the complete hash digest of a finalised Merkle
// tree, all levels in one preorder frame, zstd-compressed.
type MerkleSummary struct {
	ID       SessionID
	Interval ring.Interval
	Levels   uint32
	Digest   []byte
}

func (m *MerkleSummary) Kind() Kind         { return KindMerkleSummary }
func (m *MerkleSummary) Session() SessionID { return m.ID }

// FilterFrame is one ART level filter on the wire.
type FilterFrame struct {
	M     uint64
	K     uint32
	Seed  uint64
	Items uint64
	Bits  []byte
}

// ARTSummary carries one Bloom filter per Merkle level, root level first.
type ARTSummary struct {
	ID       SessionID
	Interval ring.Interval
	Levels   []FilterFrame
}

func (m *ARTSummary) Kind() Kind         { return KindARTSummary }
func (m *ARTSummary) Session() SessionID { return m.ID }

// ResolveUpdate pushes one entry to the peer. The key is normalised to
// quadrant zero; the blob packs value and version.
type ResolveUpdate struct {
	ID   SessionID
	Key  ring.Key
	Blob []byte
}

func (m *ResolveUpdate) Kind() Kind         { return KindResolveUpdate }
func (m *ResolveUpdate) Session() SessionID { return m.ID }

// ResolveRegen asks the peer to push its replica of a normalised key the
// sender cannot reconstruct locally.
type ResolveRegen struct {
	ID  SessionID
	Key ring.Key
}

func (m *ResolveRegen) Kind() Kind         { return KindResolveRegen }
func (m *ResolveRegen) Session() SessionID { return m.ID }

// SessionStats summarises one side's view of a finished session.
type SessionStats struct {
	Sent        uint32 `json:"sent"`
	Applied     uint32 `json:"applied"`
	Regenerated uint32 `json:"regenerated"`
	Conflicts   uint32 `json:"conflicts"`
}

// SessionDone signals that the sender has sent all its resolves; its
// receipt acknowledges every resolve received before it (streams are FIFO).
type SessionDone struct {
	ID    SessionID
	Stats SessionStats
}

func (m *SessionDone) Kind() Kind         { return KindSessionDone }
func (m *SessionDone) Session() SessionID { return m.ID }

// Abort reasons with protocol meaning.
const (
	AbortRetry    = "retry"
	AbortConflict = "conflict"
	AbortExpired  = "expired"
)

// SessionAbort terminates a session. Reason "retry" invites the initiator
// to back off and try again; everything else is final.
type SessionAbort struct {
	ID     SessionID
	Reason string
}

func (m *SessionAbort) Kind() Kind         { return KindSessionAbort }
func (m *SessionAbort) Session() SessionID { return m.ID }

// Encode serialises a message for the transport. Layout: kind byte, session
// id, then the message fields in order, little-endian with length-prefixed
// byte fields.
func Encode(m Message) ([]byte, error) {
	buf := []byte{byte(m.Kind())}
	buf = appendSessionID(buf, m.Session())

	switch msg := m.(type) {
	case *RequestSync:
		buf = append(buf, byte(msg.Method))
		buf = append(buf, byte(msg.RepairType))
		buf = append(buf, msg.ReplicaKey.Bytes()...)
		buf = appendInterval(buf, msg.Interval)

	case *BloomSummary:
		buf = appendInterval(buf, msg.Interval)
		buf = binary.LittleEndian.AppendUint64(buf, msg.M)
		buf = binary.LittleEndian.AppendUint32(buf, msg.K)
		buf = binary.LittleEndian.AppendUint64(buf, msg.Seed)
		buf = binary.LittleEndian.AppendUint64(buf, msg.Items)
		buf = appendBytes(buf, compress(msg.Filter))

	case *MerkleSummary:
		buf = appendInterval(buf, msg.Interval)
		buf = binary.LittleEndian.AppendUint32(buf, msg.Levels)
		buf = appendBytes(buf, compress(msg.Digest))

	case *ARTSummary:
		buf = appendInterval(buf, msg.Interval)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msg.Levels)))
		for _, f := range msg.Levels {
			buf = binary.LittleEndian.AppendUint64(buf, f.M)
			buf = binary.LittleEndian.AppendUint32(buf, f.K)
			buf = binary.LittleEndian.AppendUint64(buf, f.Seed)
			buf = binary.LittleEndian.AppendUint64(buf, f.Items)
			buf = appendBytes(buf, compress(f.Bits))
		}

	case *ResolveUpdate:
		buf = append(buf, msg.Key.Bytes()...)
		buf = appendBytes(buf, msg.Blob)

	case *ResolveRegen:
		buf = append(buf, msg.Key.Bytes()...)

	case *SessionDone:
		buf = binary.LittleEndian.AppendUint32(buf, msg.Stats.Sent)
		buf = binary.LittleEndian.AppendUint32(buf, msg.Stats.Applied)
		buf = binary.LittleEndian.AppendUint32(buf, msg.Stats.Regenerated)
		buf = binary.LittleEndian.AppendUint32(buf, msg.Stats.Conflicts)

	case *SessionAbort:
		buf = appendBytes(buf, []byte(msg.Reason))

	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}

	return buf, nil
}

// Decode parses a message from the transport.
func Decode(data []byte) (Message, error) {
	r := &reader{data: data}

	kind := Kind(r.byte())
	id := r.sessionID()

	var m Message

	switch kind {
	case KindRequestSync:
		msg := &RequestSync{ID: id}
		msg.Method = Method(r.byte())
		msg.RepairType = RepairType(r.byte())
		msg.ReplicaKey = r.key()
		msg.Interval = r.interval()
		m = msg

	case KindBloomSummary:
		msg := &BloomSummary{ID: id}
		msg.Interval = r.interval()
		msg.M = r.uint64()
		msg.K = r.uint32()
		msg.Seed = r.uint64()
		msg.Items = r.uint64()
		msg.Filter = r.compressed()
		m = msg

	case KindMerkleSummary:
		msg := &MerkleSummary{ID: id}
		msg.Interval = r.interval()
		msg.Levels = r.uint32()
		msg.Digest = r.compressed()
		m = msg

	case KindARTSummary:
		msg := &ARTSummary{ID: id}
		msg.Interval = r.interval()
		n := r.uint32()
		if n > 1024 {
			return nil, fmt.Errorf("art summary with %d levels", n)
		}
		for i := uint32(0); i < n; i++ {
			f := FilterFrame{
				M:     r.uint64(),
				K:     r.uint32(),
				Seed:  r.uint64(),
				Items: r.uint64(),
				Bits:  r.compressed(),
			}
			msg.Levels = append(msg.Levels, f)
		}
		m = msg

	case KindResolveUpdate:
		msg := &ResolveUpdate{ID: id}
		msg.Key = r.key()
		msg.Blob = r.bytes()
		m = msg

	case KindResolveRegen:
		msg := &ResolveRegen{ID: id}
		msg.Key = r.key()
		m = msg

	case KindSessionDone:
		msg := &SessionDone{ID: id}
		msg.Stats.Sent = r.uint32()
		msg.Stats.Applied = r.uint32()
		msg.Stats.Regenerated = r.uint32()
		msg.Stats.Conflicts = r.uint32()
		m = msg

	case KindSessionAbort:
		msg := &SessionAbort{ID: id}
		msg.Reason = string(r.bytes())
		m = msg

	default:
		return nil, fmt.Errorf("unknown message kind %d", kind)
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode %d: %w", kind, r.err)
	}

	if len(r.data) != r.pos {
		return nil, fmt.Errorf("%d trailing bytes after message", len(r.data)-r.pos)
	}

	return m, nil
}

// appendSessionID writes an id as length-prefixed initiator plus sequence.
func appendSessionID(buf []byte, id SessionID) []byte {
	buf = appendBytes(buf, []byte(id.Initiator))
	return binary.LittleEndian.AppendUint64(buf, id.Seq)
}

// appendBytes writes a u32 length prefix followed by the bytes.
func appendBytes(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// appendInterval writes an interval's fixed 33-byte encoding.
func appendInterval(buf []byte, iv ring.Interval) []byte {
	data, _ := iv.MarshalBinary() // cannot fail
	return append(buf, data...)
}

// reader is a cursor over a wire buffer that records the first error and
// yields zero values afterwards.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if r.pos+n > len(r.data) {
		r.fail(fmt.Errorf("truncated at offset %d", r.pos))
		return nil
	}

	out := r.data[r.pos : r.pos+n]
	r.pos += n

	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.uint32()

	if uint32(len(r.data)-r.pos) < n {
		r.fail(fmt.Errorf("byte field of %d exceeds buffer", n))
		return nil
	}

	b := r.take(int(n))
	if b == nil {
		return nil
	}

	out := make([]byte, n)
	copy(out, b)

	return out
}

func (r *reader) compressed() []byte {
	raw := r.bytes()
	if r.err != nil {
		return nil
	}

	out, err := decompress(raw)
	if err != nil {
		r.fail(err)
		return nil
	}

	return out
}

func (r *reader) key() ring.Key {
	b := r.take(16)
	if b == nil {
		return ring.Key{}
	}

	k, err := ring.KeyFromBytes(b)
	if err != nil {
		r.fail(err)
	}

	return k
}

func (r *reader) interval() ring.Interval {
	b := r.take(33)
	if b == nil {
		return ring.Interval{}
	}

	var iv ring.Interval
	if err := iv.UnmarshalBinary(b); err != nil {
		r.fail(err)
	}

	return iv
}

func (r *reader) sessionID() SessionID {
	initiator := r.bytes()
	seq := r.uint64()

	return SessionID{Initiator: NodeID(initiator), Seq: seq}
}

// compress zstd-compresses a summary payload.
func compress(data []byte) []byte {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return data
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil)
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
