// Package kvstore is the replica store of one node: versioned entries keyed
// by ring position, backed by Pebble. Entries carry the lock state the
// transaction layer needs, and the store can record which keys changed
// inside an armed interval so repair rounds can build incremental summaries.
package kvstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"QuadRing/internal/ring"
)

const (
	// walSyncInterval is the interval between background WAL syncs.
	walSyncInterval = 100 * time.Millisecond
)

var (
	// ErrVersionConflict is returned when a resolution carries the same
	// version as the local entry but a different value.
	ErrVersionConflict = errors.New("conflicting values at equal version")

	// ErrLocked is returned when an operation requires an unlocked entry.
	ErrLocked = errors.New("entry is locked")
)

// Entry is one replica store record.
type Entry struct {
	Key       ring.Key
	Value     []byte // Value may be empty for entries that only hold locks
	Version   uint64
	WriteLock bool
	ReadLocks uint32
}

// Empty reports whether the entry carries no value.
func (e Entry) Empty() bool {
	return len(e.Value) == 0
}

// Store is a Pebble-backed replica store. Writes are buffered (NoSync) and a
// background goroutine syncs the WAL periodically.
type Store struct {
	db *pebble.DB

	mu        sync.Mutex // mu guards the change log and read-modify-write cycles
	recording bool
	recordIv  ring.Interval
	changed   map[ring.Key]struct{}
	deleted   map[ring.Key]struct{}

	stopSync chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		changed:  make(map[ring.Key]struct{}),
		deleted:  make(map[ring.Key]struct{}),
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the entry for a key. The second return value is false when
// the key does not exist.
func (s *Store) Get(key ring.Key) (Entry, bool, error) {
	data, closer, err := s.db.Get(key.Bytes())
	if err == pebble.ErrNotFound {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, err
	}

	defer closer.Close()

	e, err := decodeEntry(key, data)
	if err != nil {
		return Entry{}, false, err
	}

	return e, true, nil
}

// Write stores a value under a key, assigning the next version. Lock state
// of an existing entry is preserved. Returns the stored entry.
func (s *Store) Write(key ring.Key, value []byte) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found, err := s.Get(key)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{Key: key, Value: value, Version: 1}
	if found {
		e.Version = cur.Version + 1
		e.WriteLock = cur.WriteLock
		e.ReadLocks = cur.ReadLocks
	}

	if err := s.put(e); err != nil {
		return Entry{}, err
	}

	s.recordChange(key, false)

	return e, nil
}

// Delete removes a key. Deletion requires the absence of both lock kinds.
func (s *Store) Delete(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found, err := s.Get(key)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if cur.WriteLock || cur.ReadLocks > 0 {
		return ErrLocked
	}

	if err := s.db.Delete(key.Bytes(), pebble.NoSync); err != nil {
		return err
	}

	s.recordChange(key, true)

	return nil
}

// Apply merges a resolved entry from a repair session. The higher version
// wins; applying the same (key, version, value) twice is a no-op. Equal
// versions with different values are a genuine conflict and nothing is
// overwritten. Returns whether the local store changed.
func (s *Store) Apply(e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found, err := s.Get(e.Key)
	if err != nil {
		return false, err
	}

	if found {
		switch {
		case e.Version < cur.Version:
			return false, nil
		case e.Version == cur.Version:
			if entriesEqual(cur, e) {
				return false, nil // idempotent re-apply
			}
			return false, ErrVersionConflict
		case cur.WriteLock:
			return false, ErrLocked
		}

		// Locks belong to the local node and survive the update.
		e.WriteLock = cur.WriteLock
		e.ReadLocks = cur.ReadLocks
	} else {
		e.WriteLock = false
		e.ReadLocks = 0
	}

	if err := s.put(e); err != nil {
		return false, err
	}

	s.recordChange(e.Key, false)

	return true, nil
}

// LockWrite takes the exclusive write lock of a key. Fails when the write
// lock is already held or read locks are outstanding.
func (s *Store) LockWrite(key ring.Key) error {
	return s.updateLocks(key, func(e *Entry) error {
		if e.WriteLock || e.ReadLocks > 0 {
			return ErrLocked
		}

		e.WriteLock = true

		return nil
	})
}

// UnlockWrite releases the write lock of a key.
func (s *Store) UnlockWrite(key ring.Key) error {
	return s.updateLocks(key, func(e *Entry) error {
		e.WriteLock = false
		return nil
	})
}

// LockRead takes one read lock of a key. Read locks stack; taking one is
// refused while the write lock is held.
func (s *Store) LockRead(key ring.Key) error {
	return s.updateLocks(key, func(e *Entry) error {
		if e.WriteLock {
			return ErrLocked
		}

		e.ReadLocks++

		return nil
	})
}

// UnlockRead releases one read lock of a key.
func (s *Store) UnlockRead(key ring.Key) error {
	return s.updateLocks(key, func(e *Entry) error {
		if e.ReadLocks == 0 {
			return fmt.Errorf("no read lock held on %s", key)
		}

		e.ReadLocks--

		return nil
	})
}

// updateLocks runs a read-modify-write cycle on an entry's lock state. A
// missing entry materialises as an empty one, so locks can be held on keys
// that have no value yet.
func (s *Store) updateLocks(key ring.Key, fn func(*Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _, err := s.Get(key)
	if err != nil {
		return err
	}

	e.Key = key

	if err := fn(&e); err != nil {
		return err
	}

	return s.put(e)
}

// Range calls fn for every entry of the interval in ring order starting at
// the interval's left bound. A wrapping arc is scanned in two passes.
func (s *Store) Range(iv ring.Interval, fn func(Entry) error) error {
	for _, span := range iv.Spans() {
		if err := s.scanSpan(span[0], span[1], fn); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of entries in the interval.
func (s *Store) Count(iv ring.Interval) (int, error) {
	n := 0

	err := s.Range(iv, func(Entry) error {
		n++
		return nil
	})

	return n, err
}

// scanSpan iterates the closed key span [lo, hi].
func (s *Store) scanSpan(lo, hi ring.Key, fn func(Entry) error) error {
	opts := &pebble.IterOptions{LowerBound: lo.Bytes()}

	// Upper bound is exclusive; an unbounded scan covers hi == MaxKey.
	if hi.Cmp(ring.MaxKey) < 0 {
		opts.UpperBound = hi.Next().Bytes()
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := ring.KeyFromBytes(iter.Key())
		if err != nil {
			return err
		}

		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		e, err := decodeEntry(key, value)
		if err != nil {
			return err
		}

		if err := fn(e); err != nil {
			return err
		}
	}

	return iter.Error()
}

// ArmChangeLog starts recording keys written or deleted inside the interval.
// Re-arming resets previously recorded changes.
func (s *Store) ArmChangeLog(iv ring.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recording = true
	s.recordIv = iv
	s.changed = make(map[ring.Key]struct{})
	s.deleted = make(map[ring.Key]struct{})
}

// Changes returns the entries changed and the keys deleted since the change
// log was armed, restricted to the recorded interval.
func (s *Store) Changes() ([]Entry, []ring.Key, error) {
	s.mu.Lock()

	changedKeys := make([]ring.Key, 0, len(s.changed))
	for k := range s.changed {
		changedKeys = append(changedKeys, k)
	}

	deletedKeys := make([]ring.Key, 0, len(s.deleted))
	for k := range s.deleted {
		deletedKeys = append(deletedKeys, k)
	}

	s.mu.Unlock()

	entries := make([]Entry, 0, len(changedKeys))
	for _, k := range changedKeys {
		e, found, err := s.Get(k)
		if err != nil {
			return nil, nil, err
		}

		if found {
			entries = append(entries, e)
		}
	}

	return entries, deletedKeys, nil
}

// DisarmChangeLog stops recording and discards recorded changes.
func (s *Store) DisarmChangeLog() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recording = false
	s.changed = make(map[ring.Key]struct{})
	s.deleted = make(map[ring.Key]struct{})
}

// recordChange notes a write or deletion in the armed change log.
// Caller holds mu.
func (s *Store) recordChange(key ring.Key, deleted bool) {
	if !s.recording || !s.recordIv.Contains(key) {
		return
	}

	if deleted {
		delete(s.changed, key)
		s.deleted[key] = struct{}{}
		return
	}

	delete(s.deleted, key)
	s.changed[key] = struct{}{}
}

// put writes an entry without touching the change log.
func (s *Store) put(e Entry) error {
	return s.db.Set(e.Key.Bytes(), encodeEntry(e), pebble.NoSync)
}

// Close stops the sync goroutine and closes the database after a final WAL
// sync.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background WAL sync goroutine.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(walSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
