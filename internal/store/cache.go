package store

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// memoryCache is the short-TTL read cache in front of Redis. Expired
// entries are kept until the sweeper runs so they can serve as a degraded
// fallback when the backend is unreachable.
type memoryCache struct {
	mu            sync.RWMutex
	entries       map[string]cacheEntry
	sweepInterval time.Duration
}

func newMemoryCache(sweepInterval time.Duration) *memoryCache {
	return &memoryCache{
		entries:       make(map[string]cacheEntry),
		sweepInterval: sweepInterval,
	}
}

func (c *memoryCache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// getStale returns the entry even when expired. Used only on explicit
// degraded-read paths.
func (c *memoryCache) getStale(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *memoryCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryCache) del(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// sweep evicts expired entries periodically until ctx is cancelled.
func (c *memoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
