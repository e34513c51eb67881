// Package hashing computes content digests of local files. The digest is a
// pure function of the file bytes, so it serves as a stable identity for
// server-side deduplication and session resumption.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
)

// DefaultWindowSize bounds peak memory while hashing. It is independent of
// the upload chunk size.
const DefaultWindowSize int64 = 10 * units.MiB

type config struct {
	windowSize int64
	progress   func(percent int)
}

// Option configures a Hash call.
type Option func(*config)

// WithWindowSize overrides the read window. The resulting digest does not
// depend on the window size, only memory use and progress granularity do.
func WithWindowSize(n int64) Option {
	return func(c *config) {
		c.windowSize = n
	}
}

// WithProgress registers a callback invoked once per window with the
// percentage of bytes consumed so far, monotonically non-decreasing. The
// final call is always exactly 100.
func WithProgress(fn func(percent int)) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// Hash returns the hex-encoded SHA-256 digest of the file content, read in
// fixed-size windows. Read failures are returned as-is; retrying is the
// caller's concern.
func Hash(path string, opts ...Option) (string, error) {
	cfg := config{windowSize: DefaultWindowSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.windowSize <= 0 {
		return "", fmt.Errorf("hash window size must be positive, got %d", cfg.windowSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	total := info.Size()

	digest := sha256.New()
	var consumed int64
	for consumed < total {
		n, err := io.CopyN(digest, file, cfg.windowSize)
		consumed += n
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read file: %w", err)
		}
		if cfg.progress != nil {
			cfg.progress(percentOf(consumed, total))
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if cfg.progress != nil && total == 0 {
		cfg.progress(100)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

func percentOf(consumed, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(float64(consumed)/float64(total)*100 + 0.5)
}
