package cache

import (
	"bytes"
	"encoding/gob"
)

// entryPrefix namespaces artifact keys inside the badger keyspace.
const entryPrefix = "artifact\x00"

// Entry is a locally persisted artifact.
type Entry struct {
	// Data holds the verified artifact bytes.
	Data []byte

	// FileRoot is the file Merkle root the bytes matched when stored. Kept
	// for cheap staleness checks when the manifest changes.
	FileRoot string

	// StoredAt is the store time as UnixNano.
	StoredAt int64
}

// Encode serializes the entry to bytes using gob.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes bytes into the entry using gob.
func (e *Entry) Decode(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(e)
}

// MakeKey creates a badger key for a fileId.
func MakeKey(fileID string) []byte {
	return []byte(entryPrefix + fileID)
}

// ParseKey extracts the fileId from a badger key.
func ParseKey(key []byte) string {
	return string(bytes.TrimPrefix(key, []byte(entryPrefix)))
}

// KeyPrefix returns the prefix shared by all artifact keys.
func KeyPrefix() []byte {
	return []byte(entryPrefix)
}
