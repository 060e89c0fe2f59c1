package kvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"QuadRing/internal/ring"
)

// Entry value encoding, little-endian:
//
//	u64 version | u8 flags | u32 read locks | u32 value length | value
//
// The ring key is the store key and is not repeated in the value.

const entryHeaderSize = 8 + 1 + 4 + 4

// flagWriteLock marks an entry whose write lock is held.
const flagWriteLock = 0x01

// encodeEntry serialises an entry's value part.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Value))

	binary.LittleEndian.PutUint64(buf[0:8], e.Version)

	if e.WriteLock {
		buf[8] = flagWriteLock
	}

	binary.LittleEndian.PutUint32(buf[9:13], e.ReadLocks)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(e.Value)))
	copy(buf[entryHeaderSize:], e.Value)

	return buf
}

// decodeEntry reconstructs an entry from its store key and value bytes.
func decodeEntry(key ring.Key, data []byte) (Entry, error) {
	if len(data) < entryHeaderSize {
		return Entry{}, fmt.Errorf("truncated entry: %d bytes", len(data))
	}

	valueLen := binary.LittleEndian.Uint32(data[13:17])
	if uint32(len(data)-entryHeaderSize) != valueLen {
		return Entry{}, fmt.Errorf("entry value length mismatch: header %d, actual %d",
			valueLen, len(data)-entryHeaderSize)
	}

	e := Entry{
		Key:       key,
		Version:   binary.LittleEndian.Uint64(data[0:8]),
		WriteLock: data[8]&flagWriteLock != 0,
		ReadLocks: binary.LittleEndian.Uint32(data[9:13]),
	}

	if valueLen > 0 {
		e.Value = make([]byte, valueLen)
		copy(e.Value, data[entryHeaderSize:])
	}

	return e, nil
}

// EncodeBlob packs a value and its version into the blob carried by resolve
// payloads.
func EncodeBlob(value []byte, version uint64) []byte {
	buf := make([]byte, 8+4+len(value))
	binary.LittleEndian.PutUint64(buf[0:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(value)))
	copy(buf[12:], value)

	return buf
}

// DecodeBlob unpacks a blob produced by EncodeBlob.
func DecodeBlob(data []byte) (value []byte, version uint64, err error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("truncated blob: %d bytes", len(data))
	}

	version = binary.LittleEndian.Uint64(data[0:8])
	valueLen := binary.LittleEndian.Uint32(data[8:12])

	if uint32(len(data)-12) != valueLen {
		return nil, 0, fmt.Errorf("blob length mismatch: header %d, actual %d",
			valueLen, len(data)-12)
	}

	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, data[12:])
	}

	return value, version, nil
}

// entriesEqual reports whether two entries carry the same value and version.
func entriesEqual(a, b Entry) bool {
	return a.Version == b.Version && bytes.Equal(a.Value, b.Value)
}
