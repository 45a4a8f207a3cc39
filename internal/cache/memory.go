package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process TTL cache used when no Redis/Valkey endpoint is configured.
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string]item
	now  func() time.Time
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]item), now: time.Now}
}

// Get returns a copy of the stored bytes when present and not expired.
func (c *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !it.expiresAt.IsZero() && !c.now().Before(it.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores value; a non-positive ttl keeps it until deleted.
func (c *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.data[key] = item{value: stored, expiresAt: expires}
	c.mu.Unlock()
	return nil
}

// Del removes an entry.
func (c *MemoryProvider) Del(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryProvider) Close() error { return nil }
