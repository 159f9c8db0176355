package store

import (
	"container/list"
	"sync"

	"github.com/nidhogg/mnemo/internal/memory"
)

// lruCache is a bounded recency cache over memory records. Every hit
// promotes its entry to most-recently-used; inserting past capacity
// evicts the least-recently-used entry. All bookkeeping happens under
// one mutex so check and mutate cannot interleave. Entries have value
// semantics: put stores a private copy and get hands out a fresh one,
// so no caller ever shares a struct with the cache or another caller.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type cacheEntry struct {
	id  string
	mem *memory.Memory
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(id string) (*memory.Memory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).mem.Clone(), true
}

func (c *lruCache) put(id string, m *memory.Memory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		el.Value.(*cacheEntry).mem = m.Clone()
		c.order.MoveToFront(el)
		return
	}
	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, mem: m.Clone()})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

func (c *lruCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
