// Package l1 implements the in-process bounded LRU cache (C2):
// size-and-byte capped, per-entry TTL, tag-indexed, single mutex.
package l1

import (
	"container/list"
	"sync"
	"time"

	"github.com/jewgo-app/core-platform/internal/cache/codec"
)

type node struct {
	key   string
	entry entry
}

type entry struct {
	value        any
	createdAt    time.Time
	expiresAt    *time.Time
	lastAccessed time.Time
	accessCount  int64
	tags         []string
	sizeBytes    int64
}

// Stats is the snapshot returned by Cache.Stats.
type Stats struct {
	Len           int
	Bytes         int64
	MaxEntries    int
	MaxBytes      int64
	Hits          int64
	Misses        int64
	Evictions     int64
	Sets          int64
	Deletes       int64
	TagInvalidate int64
}

// Cache is an in-process LRU bounded by entry count and total serialized
// byte size. All operations hold a single mutex; the cache is safe under
// parallel access.
type Cache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64

	ll    *list.List
	items map[string]*list.Element
	bytes int64

	hits, misses, evictions, sets, deletes, tagInvalidations int64
}

// New creates an L1 cache bounded by maxEntries and maxBytes. A zero value
// for either disables that particular cap.
func New(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the value stored under key and whether it was found. Expired
// entries are evicted on access and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	n := el.Value.(*node)
	if n.entry.expiresAt != nil && !n.entry.expiresAt.After(time.Now()) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	n.entry.lastAccessed = time.Now()
	n.entry.accessCount++
	c.ll.MoveToFront(el)
	c.hits++
	return n.entry.value, true
}

// Set stores value under key with an optional TTL and tags. It returns false
// only when the value cannot be sized via the canonical serialization: if
// serialization fails during sizing, the entry is rejected.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags []string) bool {
	size, err := codec.Size(value)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	newEntry := entry{
		value:        value,
		createdAt:    now,
		expiresAt:    expiresAt,
		lastAccessed: now,
		accessCount:  0,
		tags:         append([]string(nil), tags...),
		sizeBytes:    int64(size),
	}

	if el, ok := c.items[key]; ok {
		old := el.Value.(*node)
		c.bytes += newEntry.sizeBytes - old.entry.sizeBytes
		old.entry = newEntry
		c.ll.MoveToFront(el)
	} else {
		n := &node{key: key, entry: newEntry}
		el := c.ll.PushFront(n)
		c.items[key] = el
		c.bytes += newEntry.sizeBytes
	}
	c.sets++

	c.evict()
	return true
}

// evict removes LRU entries while either cap is exceeded. Caller must hold mu.
func (c *Cache) evict() {
	for {
		overEntries := c.maxEntries > 0 && len(c.items) > c.maxEntries
		overBytes := c.maxBytes > 0 && c.bytes > c.maxBytes
		if !overEntries && !overBytes {
			return
		}
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	c.deletes++
	return true
}

// removeElement unlinks el from the list and map. Caller must hold mu.
func (c *Cache) removeElement(el *list.Element) {
	n := el.Value.(*node)
	c.ll.Remove(el)
	delete(c.items, n.key)
	c.bytes -= n.entry.sizeBytes
}

// InvalidateByTags removes every entry carrying any of the given tags and
// returns the number removed. L1 is small enough that a full scan is
// acceptable.
func (c *Cache) InvalidateByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node)
		for _, t := range n.entry.tags {
			if _, ok := tagSet[t]; ok {
				toRemove = append(toRemove, el)
				break
			}
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
	c.tagInvalidations += int64(len(toRemove))
	return len(toRemove)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of eviction counters and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:           len(c.items),
		Bytes:         c.bytes,
		MaxEntries:    c.maxEntries,
		MaxBytes:      c.maxBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Sets:          c.sets,
		Deletes:       c.deletes,
		TagInvalidate: c.tagInvalidations,
	}
}
