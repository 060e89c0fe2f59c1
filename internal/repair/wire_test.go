package repair

import (
	"bytes"
	"reflect"
	"testing"

	"QuadRing/internal/ring"
)

func testSessionID() SessionID {
	return SessionID{Initiator: "ab12cd", Seq: 42}
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	return got
}

func TestRequestSyncRoundTrip(t *testing.T) {
	msg := &RequestSync{
		ID:         testSessionID(),
		Method:     MethodMerkle,
		RepairType: RepairRegen,
		ReplicaKey: ring.Key{Hi: 7, Lo: 9},
		Interval:   ring.QuadrantInterval(2),
	}

	got := roundTrip(t, msg).(*RequestSync)

	if got.ID != msg.ID || got.Method != msg.Method || got.ReplicaKey != msg.ReplicaKey {
		t.Errorf("decoded %+v, want %+v", got, msg)
	}

	if got.RepairType != RepairRegen {
		t.Errorf("repair type = %v, want regen", got.RepairType)
	}

	if !got.Interval.Equal(msg.Interval) {
		t.Errorf("interval = %s, want %s", got.Interval, msg.Interval)
	}
}

func TestBloomSummaryRoundTrip(t *testing.T) {
	msg := &BloomSummary{
		ID:       testSessionID(),
		Interval: ring.QuadrantInterval(0),
		M:        4096,
		K:        5,
		Seed:     99,
		Items:    321,
		Filter:   bytes.Repeat([]byte{0xAA, 0x00, 0x55}, 171),
	}

	got := roundTrip(t, msg).(*BloomSummary)

	if got.M != msg.M || got.K != msg.K || got.Seed != msg.Seed || got.Items != msg.Items {
		t.Errorf("parameters = %+v, want %+v", got, msg)
	}

	if !bytes.Equal(got.Filter, msg.Filter) {
		t.Error("filter bytes did not survive compression round-trip")
	}
}

func TestMerkleSummaryRoundTrip(t *testing.T) {
	msg := &MerkleSummary{
		ID:       testSessionID(),
		Interval: ring.FullInterval(),
		Levels:   4,
		Digest:   bytes.Repeat([]byte{1, 2, 3, 4}, 100),
	}

	got := roundTrip(t, msg).(*MerkleSummary)

	if got.Levels != msg.Levels || !bytes.Equal(got.Digest, msg.Digest) {
		t.Errorf("decoded %+v, want %+v", got, msg)
	}
}

func TestARTSummaryRoundTrip(t *testing.T) {
	msg := &ARTSummary{
		ID:       testSessionID(),
		Interval: ring.QuadrantInterval(3),
		Levels: []FilterFrame{
			{M: 128, K: 3, Seed: 1, Items: 10, Bits: bytes.Repeat([]byte{0xF0}, 16)},
			{M: 256, K: 4, Seed: 2, Items: 20, Bits: bytes.Repeat([]byte{0x0F}, 32)},
		},
	}

	got := roundTrip(t, msg).(*ARTSummary)

	if !reflect.DeepEqual(got.Levels, msg.Levels) {
		t.Errorf("levels = %+v, want %+v", got.Levels, msg.Levels)
	}
}

func TestResolveRoundTrips(t *testing.T) {
	upd := &ResolveUpdate{
		ID:   testSessionID(),
		Key:  ring.Key{Hi: 1, Lo: 2},
		Blob: []byte("blob"),
	}

	gotUpd := roundTrip(t, upd).(*ResolveUpdate)
	if gotUpd.Key != upd.Key || !bytes.Equal(gotUpd.Blob, upd.Blob) {
		t.Errorf("decoded %+v, want %+v", gotUpd, upd)
	}

	regen := &ResolveRegen{ID: testSessionID(), Key: ring.Key{Lo: 77}}

	gotRegen := roundTrip(t, regen).(*ResolveRegen)
	if gotRegen.Key != regen.Key {
		t.Errorf("decoded key %s, want %s", gotRegen.Key, regen.Key)
	}
}

func TestSessionDoneAndAbortRoundTrips(t *testing.T) {
	done := &SessionDone{
		ID:    testSessionID(),
		Stats: SessionStats{Sent: 1, Applied: 2, Regenerated: 3, Conflicts: 4},
	}

	gotDone := roundTrip(t, done).(*SessionDone)
	if gotDone.Stats != done.Stats {
		t.Errorf("stats = %+v, want %+v", gotDone.Stats, done.Stats)
	}

	abort := &SessionAbort{ID: testSessionID(), Reason: AbortConflict}

	gotAbort := roundTrip(t, abort).(*SessionAbort)
	if gotAbort.Reason != AbortConflict {
		t.Errorf("reason = %q, want %q", gotAbort.Reason, AbortConflict)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xFF, 1, 2, 3}); err == nil {
		t.Error("unknown kind decoded without error")
	}

	if _, err := Decode([]byte{byte(KindRequestSync), 1}); err == nil {
		t.Error("truncated message decoded without error")
	}

	// Valid message with trailing junk.
	data, err := Encode(&ResolveRegen{ID: testSessionID(), Key: ring.Key{Lo: 1}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := Decode(append(data, 0)); err == nil {
		t.Error("trailing bytes decoded without error")
	}
}
