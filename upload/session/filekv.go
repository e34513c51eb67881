package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileKV is a durable KV backend storing one file per key under a
// directory. Keys are hex-encoded to produce safe file names.
type FileKV struct {
	dir string
}

// NewFileKV creates the directory if needed and returns a store rooted at it.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

// Get returns the stored value, or ErrNotFound.
func (f *FileKV) Get(key string) ([]byte, error) {
	value, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set writes the value via a temp file and rename, so a crash mid-write
// never leaves a truncated record behind.
func (f *FileKV) Set(key string, value []byte) error {
	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Remove deletes the key. Removing an absent key is not an error.
func (f *FileKV) Remove(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key)))
}
