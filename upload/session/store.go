// Package session persists upload-session bookkeeping so interrupted
// uploads can resume across process restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// KeyPrefix namespaces session records in the backing store.
const KeyPrefix = "upload:session:"

// ErrNotFound is returned by KV.Get for missing keys.
var ErrNotFound = errors.New("key not found")

// KV is the persistence boundary. Implementations must survive process
// restarts; everything else (TTL, encryption, location) is opaque to the
// upload logic.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Record is the durable bookkeeping for one upload session, keyed 1:1 by
// content hash. UploadedChunks is advisory: the server is the source of
// truth, and callers must reconcile against a live status check before
// trusting it.
type Record struct {
	UploadID       string  `json:"uploadId"`
	FileHash       string  `json:"fileHash"`
	FileName       string  `json:"fileName"`
	FileSize       int64   `json:"fileSize"`
	TotalChunks    int64   `json:"totalChunks"`
	ChunkSize      int64   `json:"chunkSize"`
	UploadedChunks []int64 `json:"uploadedChunks"`
}

// Store reads and writes Records keyed by content hash.
type Store struct {
	kv KV
}

// NewStore wraps the given KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Save writes the record under its content hash, overwriting any prior
// record for that hash.
func (s *Store) Save(rec Record) error {
	if rec.FileHash == "" || rec.UploadID == "" {
		return fmt.Errorf("session record needs both a file hash and an upload id")
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.kv.Set(KeyPrefix+rec.FileHash, value)
}

// Load returns the stored record for the hash, if any. Records that fail to
// decode are removed and reported as absent.
func (s *Store) Load(hash string) (Record, bool, error) {
	value, err := s.kv.Get(KeyPrefix + hash)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		_ = s.kv.Remove(KeyPrefix + hash)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Clear removes the record for the hash. Clearing an absent record is not
// an error.
func (s *Store) Clear(hash string) error {
	return s.kv.Remove(KeyPrefix + hash)
}
