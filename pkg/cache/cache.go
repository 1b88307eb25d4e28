// Package cache provides a process-local memoization cache keyed by
// string, with a TTL per entry and an injectable clock so tests can
// control expiry deterministically.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration // zero means never expires
}

// TTLCache is a simple in-memory cache. The zero TTL means an entry never
// expires, which is how permanent memoization (e.g. column-name-to-ID
// maps) is expressed.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// Option configures a TTLCache.
type Option func(*TTLCache)

// WithClock overrides the cache's clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		c.now = now
	}
}

// New creates an empty TTLCache.
func New(opts ...Option) *TTLCache {
	c := &TTLCache{
		items: make(map[string]entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value from the cache. Expired entries are evicted on
// access.
func (c *TTLCache) Get(ctx context.Context, key string) (interface{}, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if item.ttl > 0 && c.now().Sub(item.insertedAt) >= item.ttl {
		c.mu.Lock()
		// Re-check under the write lock; another caller may have replaced
		// the entry in the meantime.
		if cur, ok := c.items[key]; ok && cur.insertedAt.Equal(item.insertedAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return item.value, true
}

// Set stores a value with a TTL in seconds. A TTL of zero (or negative)
// stores the value without expiry.
func (c *TTLCache) Set(ctx context.Context, key string, value interface{}, ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var d time.Duration
	if ttl > 0 {
		d = time.Duration(ttl) * time.Second
	}
	c.items[key] = entry{value: value, insertedAt: c.now(), ttl: d}
	return nil
}

// Delete removes a value from the cache.
func (c *TTLCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	return nil
}

// Clear removes all values from the cache.
func (c *TTLCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]entry)
	return nil
}
