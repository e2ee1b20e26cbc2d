// Package cache implements the two-tier cache layer of §4.3: a bounded
// in-process LRU with TTL (fast path) and an optional Redis-backed shared
// tier consulted on miss with a bounded read budget.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type localEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// Local is a bounded, TTL-aware LRU. Values are immutable once written;
// callers must not mutate a returned byte slice.
type Local struct {
	mu       sync.Mutex
	maxItems int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

// NewLocal creates a Local cache holding at most maxItems entries.
func NewLocal(maxItems int) *Local {
	return &Local{
		maxItems: maxItems,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Local) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*localEntry)
	if time.Now().After(entry.expires) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry if the cache is at capacity.
func (c *Local) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*localEntry)
		entry.value = value
		entry.expires = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.maxItems > 0 && len(c.items) >= c.maxItems {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeElement(oldest)
		}
	}

	entry := &localEntry{key: key, value: value, expires: time.Now().Add(ttl)}
	el := c.order.PushFront(entry)
	c.items[key] = el
}

// Invalidate removes key from the cache.
func (c *Local) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of entries currently held (expired or not).
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Local) removeElement(el *list.Element) {
	entry := el.Value.(*localEntry)
	delete(c.items, entry.key)
	c.order.Remove(el)
}
