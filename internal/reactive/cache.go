package reactive

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/zoravur/crossview/pkg/sqlinfo"
)

// resultCache is an LRU of query results keyed by SQL fingerprint.
// Cached tables are shared and must be treated as read-only.
type resultCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		return nil
	}
	return &resultCache{cache: lru.New(size)}
}

func (c *resultCache) get(sql string) (*Table, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(sqlinfo.CacheKey(sql))
	if !ok {
		return nil, false
	}
	return v.(*Table), true
}

func (c *resultCache) put(sql string, t *Table) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache.Add(sqlinfo.CacheKey(sql), t)
	c.mu.Unlock()
}

func (c *resultCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache.Clear()
	c.mu.Unlock()
}
