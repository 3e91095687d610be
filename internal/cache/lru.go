package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

// LRUCache is an in-process cache bounded both by entry count and by total
// value bytes, so a handful of parked documents cannot crowd out every risk
// snapshot. It backs single-node deployments and is L1 of TwoPhaseCache.
type LRUCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	items      map[string]*list.Element
	order      *list.List // front is most recently used
	hits       uint64
	misses     uint64
	layer      string
	now        func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats describes the occupancy of an LRUCache.
type Stats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"maxEntries"`
	Bytes      int64  `json:"bytes"`
	MaxBytes   int64  `json:"maxBytes"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
}

// NewLRUCache creates a cache holding at most maxEntries values and maxBytes
// bytes. A non-positive bound falls back to its default.
func NewLRUCache(maxEntries int, maxBytes int64) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	return &LRUCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		layer:      "memory",
		now:        time.Now,
	}
}

// Get returns the value under key, or nil on a miss. Expired entries are
// removed as they are found.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if ok && c.now().After(elem.Value.(*lruEntry).expiresAt) {
		c.remove(elem)
		ok = false
	}
	metrics.CacheLookup(c.layer, domain.CacheKind(key), ok)
	if !ok {
		c.misses++
		return nil, nil
	}
	c.hits++
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, nil
}

// Set stores value under key for ttl. A value larger than the byte budget is
// not cached at all.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	size := int64(len(value))
	if size > c.maxBytes {
		return nil
	}

	elem := c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: c.now().Add(ttl)})
	c.items[key] = elem
	c.bytes += size

	for c.order.Len() > c.maxEntries || c.bytes > c.maxBytes {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
	return nil
}

// Stats returns the current occupancy and hit counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.order.Len(),
		MaxEntries: c.maxEntries,
		Bytes:      c.bytes,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
	}
}

func (c *LRUCache) remove(elem *list.Element) {
	entry := c.order.Remove(elem).(*lruEntry)
	delete(c.items, entry.key)
	c.bytes -= int64(len(entry.value))
}
