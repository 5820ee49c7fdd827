package cache

import (
	"context"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process [Backend]. It is used when no Redis address
// is configured and in tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryBackend returns an empty [MemoryBackend].
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
}

// GetMany implements [Backend]. Expired entries are misses.
func (m *MemoryBackend) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		if now.After(e.expires) {
			delete(m.entries, k)
			continue
		}
		out[i] = e.value
	}
	return out, nil
}

// SetMany implements [Backend].
func (m *MemoryBackend) SetMany(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.now().Add(ttl)
	for k, v := range entries {
		m.entries[k] = memoryEntry{value: v, expires: expires}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ping implements [Backend].
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close implements [Backend].
func (m *MemoryBackend) Close() error { return nil }
