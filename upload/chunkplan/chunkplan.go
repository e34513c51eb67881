// Package chunkplan derives upload chunk sizing from file size.
package chunkplan

import (
	"fmt"

	"github.com/docker/go-units"
)

const (
	// DefaultChunkSize is used for files up to LargeFileThreshold.
	DefaultChunkSize int64 = 5 * units.MiB
	// LargeChunkSize is used for files above LargeFileThreshold, trading
	// per-chunk HTTP overhead against retry granularity.
	LargeChunkSize int64 = 10 * units.MiB
	// LargeFileThreshold is the file size above which LargeChunkSize applies.
	LargeFileThreshold int64 = 250 * units.MiB

	// MinChunkSize is the smallest size the storage backend accepts for any
	// chunk except the final one.
	MinChunkSize int64 = 5 * units.MiB
	// MaxChunkCount is the storage backend's per-object part limit.
	MaxChunkCount int64 = 10000
)

// RecommendedChunkSize returns the chunk size to use for a file of the given
// size. The size is fixed at task creation; changing it invalidates any
// stored session for that content hash.
func RecommendedChunkSize(fileSize int64) int64 {
	if fileSize > LargeFileThreshold {
		return LargeChunkSize
	}
	return DefaultChunkSize
}

// ChunkCount returns ceil(fileSize / chunkSize).
func ChunkCount(fileSize, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (fileSize + chunkSize - 1) / chunkSize
}

// Validate reports whether a (fileSize, chunkSize) pair stays within the
// transport's limits. A violation is a configuration error: retrying the
// same pair reproduces it, so callers must not treat it as transient.
func Validate(fileSize, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := ChunkCount(fileSize, chunkSize)
	if count > 1 && chunkSize < MinChunkSize {
		return fmt.Errorf("chunk size must be at least %s except for the final chunk", units.BytesSize(float64(MinChunkSize)))
	}
	if count > MaxChunkCount {
		return fmt.Errorf("file needs %d chunks, the limit is %d", count, MaxChunkCount)
	}

	return nil
}
