package embedding

import (
	"container/list"
	"slices"
	"sync"
)

// Cache is an LRU cache of quantized embeddings keyed by model type and text.
type Cache struct {
	capacity int
	cache    map[cacheKey]*list.Element
	lru      *list.List
	mu       sync.Mutex

	hits, misses int64
}

type cacheKey struct {
	model ModelType
	text  string
}

type cacheEntry struct {
	key   cacheKey
	value []int8
}

// NewCache creates a cache with the given capacity. A capacity <= 0 disables caching.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		cache:    make(map[cacheKey]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached embedding for text under model if present.
func (c *Cache) Get(model ModelType, text string) ([]int8, bool) {
	// Get reorders the list, so it takes the write lock.
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[cacheKey{model, text}]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return slices.Clone(elem.Value.(*cacheEntry).value), true
	}
	c.misses++
	return nil, false
}

// Set stores a copy of the embedding, evicting the least recently used entry if at capacity.
func (c *Cache) Set(model ModelType, text string, value []int8) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{model, text}
	value = slices.Clone(value)
	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
