package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is a process-local Provider with per-entry TTL. Expired
// entries are dropped lazily on read and swept opportunistically on write.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: make(map[string]memoryEntry)}
}

// Get fetches bytes by key, returning ErrCacheMiss when absent or expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()

	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

// Set stores bytes with the provided TTL. A non-positive TTL stores forever.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries == nil {
		return nil
	}
	now := time.Now()
	for k, e := range p.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(p.entries, k)
		}
	}
	p.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

// Del removes a key if present.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
	return nil
}

// Close releases the backing map.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
	return nil
}
