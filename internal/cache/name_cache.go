package cache

import "sync"

// NameCache caches interned names in both directions.
// Entries are immutable once interned, so there is no TTL.
//
// Thread-safe: Uses RWMutex for concurrent access.
type NameCache struct {
	mu      sync.RWMutex
	byName  map[string]int32
	byID    map[int32]string
	maxSize int
	hits    uint64
	misses  uint64
}

// NewNameCache creates a new name cache.
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewNameCache(maxSize int) *NameCache {
	return &NameCache{
		byName:  make(map[string]int32, 256),
		byID:    make(map[int32]string, 256),
		maxSize: maxSize,
	}
}

// ID returns the cached id of name.
func (c *NameCache) ID(name string) (int32, bool) {
	if Disabled {
		return 0, false
	}
	c.mu.RLock()
	id, ok := c.byName[name]
	c.mu.RUnlock()
	c.count(ok)
	return id, ok
}

// Name returns the cached name for id.
func (c *NameCache) Name(id int32) (string, bool) {
	if Disabled {
		return "", false
	}
	c.mu.RLock()
	name, ok := c.byID[id]
	c.mu.RUnlock()
	c.count(ok)
	return name, ok
}

// Put records the pair in both directions.
// No-op if caching is disabled (VFSINDEX_CACHE=0) or the cache is full.
func (c *NameCache) Put(name string, id int32) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.byID) >= c.maxSize {
		// Don't add new entries when at capacity
		if _, exists := c.byID[id]; !exists {
			return
		}
	}
	c.byName[name] = id
	c.byID[id] = name
}

func (c *NameCache) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// Invalidate clears all entries from the cache.
func (c *NameCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.byID) > 0 {
		c.byName = make(map[string]int32, 256)
		c.byID = make(map[int32]string, 256)
	}
}

// Size returns the current number of entries in the cache.
func (c *NameCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// NameCacheStats reports cache usage.
type NameCacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *NameCache) Stats() NameCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NameCacheStats{
		Size:    len(c.byID),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

var _ Invalidator = (*NameCache)(nil)
