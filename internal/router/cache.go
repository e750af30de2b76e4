package router

import (
	"container/list"
	"sync"
	"time"
)

// routeCache memoises routing decisions keyed by envelope identity fields.
// Entries age out after ttl and the least recently used entry is evicted at
// capacity. Rule swaps purge the cache wholesale.
type routeCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	cap     int
	ttl     time.Duration
	now     func() time.Time

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key     string
	targets []string
	addedAt time.Time
}

func newRouteCache(capacity int, ttl time.Duration) *routeCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &routeCache{
		mu:      sync.Mutex{},
		entries: make(map[string]*list.Element, capacity),
		order:   list.New(),
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
		hits:    0,
		misses:  0,
	}
}

func (c *routeCache) get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.addedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.targets, true
}

func (c *routeCache) put(key string, targets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.targets = targets
		entry.addedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	elem := c.order.PushFront(&cacheEntry{key: key, targets: targets, addedAt: c.now()})
	c.entries[key] = elem
}

func (c *routeCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.cap)
	c.order.Init()
}

func (c *routeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *routeCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
