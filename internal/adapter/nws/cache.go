package nws

import (
	"context"
	"sync"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
)

// AreaLookup resolves an affected-area descriptor to its coverage area.
type AreaLookup interface {
	LookupArea(ctx context.Context, area domain.AreaDescriptor) (domain.CoverageArea, error)
}

// CachedZones wraps an AreaLookup with an in-memory LRU cache. Zone shapes
// change rarely, so entries never expire; they are only evicted.
type CachedZones struct {
	inner   AreaLookup
	cache   *lruCache[string, domain.CoverageArea]
	metrics *observability.Metrics
}

// NewCachedZones creates a cache decorator around a zone lookup.
func NewCachedZones(inner AreaLookup, maxEntries int, metrics *observability.Metrics) *CachedZones {
	return &CachedZones{
		inner:   inner,
		cache:   newLRUCache[string, domain.CoverageArea](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedZones) LookupArea(ctx context.Context, area domain.AreaDescriptor) (domain.CoverageArea, error) {
	key := cacheKey(area)
	if key != "" {
		if cached, ok := c.cache.get(key); ok {
			c.metrics.ZoneCache.WithLabelValues("hit").Inc()
			return cached.Clone(), nil
		}
	}
	c.metrics.ZoneCache.WithLabelValues("miss").Inc()

	result, err := c.inner.LookupArea(ctx, area)
	if err != nil {
		return result, err
	}
	// Failures and empty shapes are not cached so they are retried next cycle.
	if key != "" && !result.IsEmpty() {
		c.cache.put(key, result.Clone())
	}
	return result, nil
}

func cacheKey(area domain.AreaDescriptor) string {
	switch {
	case area.UGC != "":
		return "ugc:" + area.UGC
	case area.ZoneURL != "":
		return "url:" + area.ZoneURL
	default:
		return ""
	}
}

// lruCache is a simple thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*entry[K, V]
	head       *entry[K, V] // most recently used
	tail       *entry[K, V] // least recently used
}

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache[K, V]{
		maxEntries: maxEntries,
		entries:    make(map[K]*entry[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[K, V]) addToFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[K, V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
