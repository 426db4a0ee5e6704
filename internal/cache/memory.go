package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is a map-backed Cache with lazy TTL expiry. It backs deployments
// that run without a cache directory and the deterministic TTL tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// Now is swappable so tests can simulate the clock.
	Now func() time.Time
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

// Get returns the value if present and unexpired. Expired entries are
// removed on read.
func (m *Memory) Get(ctx context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !m.Now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return entry.value, true
}

// Put overwrites the entry wholesale.
func (m *Memory) Put(ctx context.Context, key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.Now().Add(ttl)
	}
	m.entries[key] = entry
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
