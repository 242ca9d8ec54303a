package destname

import (
	"container/list"
	"sync"
	"time"
)

// lru is a thread-safe bounded cache of resolved names with per-entry expiry.
type lru struct {
	maxEntries int
	mu         sync.Mutex
	ll         *list.List
	cache      map[string]*list.Element
}

type lruEntry struct {
	key    string
	name   string
	expiry time.Time
}

func newLRU(maxEntries int) *lru {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &lru{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[string]*list.Element),
	}
}

// get returns the cached name and whether a live entry exists. An empty name
// with ok=true is a cached negative answer.
func (c *lru) get(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*lruEntry)
	if now.After(entry.expiry) {
		c.removeElement(elem)
		return "", false
	}
	c.ll.MoveToFront(elem)
	return entry.name, true
}

func (c *lru) set(key, name string, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := now.Add(ttl)
	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.name = name
		entry.expiry = expiry
		c.ll.MoveToFront(elem)
		return
	}
	elem := c.ll.PushFront(&lruEntry{key: key, name: name, expiry: expiry})
	c.cache[key] = elem

	if c.ll.Len() > c.maxEntries {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Must be called with c.mu held.
func (c *lru) removeElement(elem *list.Element) {
	c.ll.Remove(elem)
	delete(c.cache, elem.Value.(*lruEntry).key)
}
