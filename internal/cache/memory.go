package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL. Safe for
// concurrent use; a background goroutine evicts expired entries so the map
// does not grow without bound. Suited to single-instance deployments - in a
// multi-replica setup use RedisCache so all replicas share auth state.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the cleanup loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key, or (nil, false) on a miss or after
// expiry. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for ttl. A zero or negative ttl defaults to
// one minute.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of held entries, expired-but-unevicted included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
