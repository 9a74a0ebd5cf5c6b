package embedding

import (
	"container/list"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// MinCacheEntries is the floor for the gateway cache size.
const MinCacheEntries = 1024

// ContentKey hashes text with BLAKE2s-256 for use as a cache key.
func ContentKey(text string) [blake2s.Size]byte {
	return blake2s.Sum256([]byte(text))
}

// lruCache is an LRU of content-hash -> embedding. Read-mostly: lookups
// take the read lock, promotions and inserts the write lock.
type lruCache struct {
	capacity int

	mu    sync.RWMutex
	items map[[blake2s.Size]byte]*list.Element
	order *list.List

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key [blake2s.Size]byte
	vec []float32
}

func newLRUCache(capacity int) *lruCache {
	if capacity < MinCacheEntries {
		capacity = MinCacheEntries
	}
	return &lruCache{
		capacity: capacity,
		items:    make(map[[blake2s.Size]byte]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache) get(key [blake2s.Size]byte) ([]float32, bool) {
	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock: another writer may have evicted it.
	if elem, ok = c.items[key]; !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).vec, true
}

func (c *lruCache) put(key [blake2s.Size]byte, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

func (c *lruCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: c.order.Len(), Hits: c.hits, Misses: c.misses}
}
