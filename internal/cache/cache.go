// Package cache provides content-addressed memoization of pipeline stage
// outputs. Cache failures are never propagated: a broken or absent backend
// degrades to "always miss" so the surrounding analysis keeps working.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a keyed store with TTL support. Implementations must be safe for
// concurrent use and must swallow (and log) backend errors rather than
// returning them.
type Cache interface {
	// Get returns the cached value and true on a hit. Expired entries are
	// never returned.
	Get(ctx context.Context, key string) (string, bool)
	// Put stores the value unconditionally, overwriting any previous entry.
	Put(ctx context.Context, key, value string, ttl time.Duration)
	Close() error
}

// Fingerprint derives a deterministic cache key from a stage name, the raw
// document content, and the query. The content is hashed first so the key
// material stays fixed-size, and fields are separated by NUL so distinct
// inputs cannot collide by concatenation.
func Fingerprint(stage string, content []byte, query string) string {
	contentSum := sha256.Sum256(content)

	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(contentSum[:])
	h.Write([]byte{0})
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// Disabled is the degraded cache used when no backend is available. Every
// read misses and writes are discarded.
type Disabled struct{}

// Get always reports a miss.
func (Disabled) Get(ctx context.Context, key string) (string, bool) { return "", false }

// Put discards the value.
func (Disabled) Put(ctx context.Context, key, value string, ttl time.Duration) {}

// Close is a no-op.
func (Disabled) Close() error { return nil }
