// Package replay suppresses re-processing of message transmissions that
// were already handled. Entries are keyed by (nonce, origin) and evicted
// strictly oldest-first once the fixed capacity is reached; there is no
// time-based expiry.
package replay

import (
	"container/list"
	"sync"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// DefaultCapacity is the number of transmission tags remembered before the
// oldest is evicted.
const DefaultCapacity = 5000

type key struct {
	nonce  [wire.NonceSize]byte
	origin wire.NodeID
}

// Cache is a fixed-capacity FIFO replay guard. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[key]*list.Element
	order    *list.List
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[key]*list.Element, capacity),
		order:    list.New(),
	}
}

// Seen reports whether this (nonce, origin) pair is already recorded.
func (c *Cache) Seen(nonce [wire.NonceSize]byte, origin wire.NodeID) bool {
	k := key{nonce: nonce, origin: origin}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[k]
	return ok
}

// Record remembers a transmission, evicting the oldest entry if the cache
// is full. Recording an already-known pair is a no-op; its position in the
// eviction order does not change.
func (c *Cache) Record(nonce [wire.NonceSize]byte, origin wire.NodeID) {
	k := key{nonce: nonce, origin: origin}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[k]; ok {
		return
	}
	el := c.order.PushFront(k)
	c.items[k] = el
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(key)
		delete(c.items, old)
		c.order.Remove(back)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
