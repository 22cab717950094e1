package latex

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheEntries = 4096

// cache stores rendered SVG bytes keyed by (content hash, color), bounded
// by total byte size with LRU eviction.
type cache struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, []byte]
	maxBytes   int64
	totalBytes int64
}

func newCache(maxBytes int64) *cache {
	c := &cache{maxBytes: maxBytes}
	c.entries, _ = lru.NewWithEvict[string, []byte](defaultCacheEntries, c.onEvicted)
	return c
}

// onEvicted runs under c.mu via the Add/Remove paths below.
func (c *cache) onEvicted(_ string, v []byte) {
	c.totalBytes -= int64(len(v))
}

func (c *cache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(key)
}

func (c *cache) add(key string, v []byte) {
	if int64(len(v)) > c.maxBytes {
		// Oversized entries would immediately evict everything else.
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries.Peek(key); ok {
		c.totalBytes -= int64(len(old))
	}
	c.entries.Add(key, v)
	c.totalBytes += int64(len(v))
	for c.totalBytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
