package plugin

import "sync"

// Cache is a string-keyed store shared by every extractor of one job worker.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
}

// MemoryCache is a Cache safe for concurrent use.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]any
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]any)}
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *MemoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}
