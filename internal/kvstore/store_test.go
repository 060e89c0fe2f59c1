package kvstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"QuadRing/internal/ring"
)

// newTestStore creates a temporary store for testing.
func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "kvstore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func k(lo uint64) ring.Key {
	return ring.Key{Lo: lo}
}

func TestWriteAssignsVersions(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	e, err := s.Write(k(1), []byte("a"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if e.Version != 1 {
		t.Errorf("first write version = %d, want 1", e.Version)
	}

	e, err = s.Write(k(1), []byte("b"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if e.Version != 2 {
		t.Errorf("second write version = %d, want 2", e.Version)
	}

	got, found, err := s.Get(k(1))
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}

	if !bytes.Equal(got.Value, []byte("b")) {
		t.Errorf("Get returned %q, want %q", got.Value, "b")
	}
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, found, err := s.Get(k(99))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if found {
		t.Error("Get found a key that was never written")
	}
}

func TestApplyHigherVersionWins(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Write(k(5), []byte("old")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	applied, err := s.Apply(Entry{Key: k(5), Value: []byte("new"), Version: 7})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if !applied {
		t.Error("higher version was not applied")
	}

	got, _, _ := s.Get(k(5))
	if got.Version != 7 || !bytes.Equal(got.Value, []byte("new")) {
		t.Errorf("entry = %q@%d, want new@7", got.Value, got.Version)
	}

	// Lower version is ignored.
	applied, err = s.Apply(Entry{Key: k(5), Value: []byte("stale"), Version: 3})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if applied {
		t.Error("stale version was applied")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	e := Entry{Key: k(9), Value: []byte("v"), Version: 4}

	applied, err := s.Apply(e)
	if err != nil || !applied {
		t.Fatalf("first Apply: applied=%v err=%v", applied, err)
	}

	applied, err = s.Apply(e)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}

	if applied {
		t.Error("re-applying the same entry reported a change")
	}
}

func TestApplyEqualVersionConflict(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Apply(Entry{Key: k(2), Value: []byte("mine"), Version: 4}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err := s.Apply(Entry{Key: k(2), Value: []byte("theirs"), Version: 4})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("conflicting apply error = %v, want ErrVersionConflict", err)
	}

	// The local value must not have been overwritten.
	got, _, _ := s.Get(k(2))
	if !bytes.Equal(got.Value, []byte("mine")) {
		t.Errorf("local value = %q, want %q", got.Value, "mine")
	}
}

func TestLockInvariants(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.LockRead(k(1)); err != nil {
		t.Fatalf("LockRead failed: %v", err)
	}

	if err := s.LockRead(k(1)); err != nil {
		t.Fatalf("read locks must stack: %v", err)
	}

	// Write lock is refused while read locks are held.
	if err := s.LockWrite(k(1)); !errors.Is(err, ErrLocked) {
		t.Errorf("LockWrite with read locks = %v, want ErrLocked", err)
	}

	if err := s.UnlockRead(k(1)); err != nil {
		t.Fatalf("UnlockRead failed: %v", err)
	}
	if err := s.UnlockRead(k(1)); err != nil {
		t.Fatalf("UnlockRead failed: %v", err)
	}

	if err := s.LockWrite(k(1)); err != nil {
		t.Fatalf("LockWrite failed: %v", err)
	}

	if err := s.LockRead(k(1)); !errors.Is(err, ErrLocked) {
		t.Errorf("LockRead under write lock = %v, want ErrLocked", err)
	}
}

func TestDeleteRequiresNoLocks(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Write(k(3), []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := s.LockWrite(k(3)); err != nil {
		t.Fatalf("LockWrite failed: %v", err)
	}

	if err := s.Delete(k(3)); !errors.Is(err, ErrLocked) {
		t.Errorf("Delete of locked entry = %v, want ErrLocked", err)
	}

	if err := s.UnlockWrite(k(3)); err != nil {
		t.Fatalf("UnlockWrite failed: %v", err)
	}

	if err := s.Delete(k(3)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, found, _ := s.Get(k(3))
	if found {
		t.Error("entry still present after Delete")
	}
}

func TestApplyPreservesLocalLocks(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Write(k(4), []byte("v1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := s.LockRead(k(4)); err != nil {
		t.Fatalf("LockRead failed: %v", err)
	}

	if _, err := s.Apply(Entry{Key: k(4), Value: []byte("v2"), Version: 10}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, _, _ := s.Get(k(4))
	if got.ReadLocks != 1 {
		t.Errorf("read locks after Apply = %d, want 1", got.ReadLocks)
	}
}

func TestApplyRefusedUnderWriteLock(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Write(k(6), []byte("v1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := s.LockWrite(k(6)); err != nil {
		t.Fatalf("LockWrite failed: %v", err)
	}

	_, err := s.Apply(Entry{Key: k(6), Value: []byte("v2"), Version: 10})
	if !errors.Is(err, ErrLocked) {
		t.Errorf("Apply under write lock = %v, want ErrLocked", err)
	}
}

func TestRangeScansInRingOrder(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	for _, lo := range []uint64{10, 20, 30, 40} {
		if _, err := s.Write(k(lo), []byte("v")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	iv, err := ring.NewInterval(ring.LeftOpen, k(10), k(30), ring.RightClosed)
	if err != nil {
		t.Fatalf("NewInterval failed: %v", err)
	}

	var got []uint64
	err = s.Range(iv, func(e Entry) error {
		got = append(got, e.Key.Lo)
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}

	want := []uint64{20, 30}
	if len(got) != len(want) {
		t.Fatalf("Range visited %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range visited %v, want %v", got, want)
		}
	}

	n, err := s.Count(ring.FullInterval())
	if err != nil || n != 4 {
		t.Errorf("Count = %d (err %v), want 4", n, err)
	}
}

func TestRangeWrappingInterval(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	keys := []ring.Key{
		{Lo: 5},
		{Hi: 1 << 62, Lo: 0},           // quadrant 1
		{Hi: ^uint64(0), Lo: ^uint64(0)}, // MaxKey
	}

	for _, key := range keys {
		if _, err := s.Write(key, []byte("v")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// Arc wrapping through zero: covers MaxKey and 5 but not quadrant 1.
	iv, err := ring.NewInterval(ring.LeftOpen, ring.Key{Hi: 3 << 62}, ring.Key{Lo: 10}, ring.RightClosed)
	if err != nil {
		t.Fatalf("NewInterval failed: %v", err)
	}

	n := 0
	err = s.Range(iv, func(e Entry) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}

	if n != 2 {
		t.Errorf("wrapping Range visited %d entries, want 2", n)
	}
}

func TestChangeLog(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.Write(k(1), []byte("before")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	s.ArmChangeLog(ring.FullInterval())

	if _, err := s.Write(k(2), []byte("during")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := s.Delete(k(1)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	entries, deleted, err := s.Changes()
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}

	if len(entries) != 1 || entries[0].Key != k(2) {
		t.Errorf("changed entries = %v, want key 2 only", entries)
	}

	if len(deleted) != 1 || deleted[0] != k(1) {
		t.Errorf("deleted keys = %v, want key 1 only", deleted)
	}

	s.DisarmChangeLog()

	if _, err := s.Write(k(3), []byte("after")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, deleted, err = s.Changes()
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}

	if len(entries) != 0 || len(deleted) != 0 {
		t.Error("changes recorded while disarmed")
	}
}

func TestEntryCodecRoundTrip(t *testing.T) {
	e := Entry{
		Key:       k(77),
		Value:     []byte("payload"),
		Version:   12,
		WriteLock: true,
	}

	got, err := decodeEntry(e.Key, encodeEntry(e))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.Version != e.Version || got.WriteLock != e.WriteLock || !bytes.Equal(got.Value, e.Value) {
		t.Errorf("decoded entry %+v, want %+v", got, e)
	}

	if _, err := decodeEntry(e.Key, []byte{1, 2}); err == nil {
		t.Error("truncated entry decoded without error")
	}
}

func TestBlobCodecRoundTrip(t *testing.T) {
	value, version, err := DecodeBlob(EncodeBlob([]byte("180000001"), 4))
	if err != nil {
		t.Fatalf("DecodeBlob failed: %v", err)
	}

	if string(value) != "180000001" || version != 4 {
		t.Errorf("blob round-trip = (%s, %d), want (180000001, 4)", value, version)
	}
}
