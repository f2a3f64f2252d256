// Package quarantine delays the reuse of freed allocations.  Each device
// owns one Cache; a freed allocation sits in it, fully poisoned, until the
// cache's count or byte budget forces it out.  Eviction is an aging policy,
// not a correctness mechanism: an evicted record stays classifiable through
// the allocation map, it just no longer delays reuse of its address range.
package quarantine

import (
	"container/list"
	"sync"

	"github.com/devsan/devsan/internal/allocmap"
)

// Cache is a bounded FIFO of quarantined allocations for one device.
// A zero budget disables that bound; with both bounds disabled Put evicts
// immediately, degenerating to pass-through.
type Cache struct {
	maxBytes uint64
	maxCount int

	mu    sync.Mutex
	fifo  *list.List // of *allocmap.AllocInfo, front is oldest
	bytes uint64
}

// New returns a Cache with the given budgets.  maxBytes bounds the sum of
// redzone-extended sizes; maxCount bounds the entry count.
func New(maxBytes uint64, maxCount int) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		maxCount: maxCount,
		fifo:     list.New(),
	}
}

// Put quarantines ai and returns the records evicted to stay within budget,
// oldest first.  Budgets are enforced together: the oldest entries leave
// until both the count and the byte budget hold.  The caller transitions the
// evicted records to their terminal state and releases their backing memory.
func (c *Cache) Put(ai *allocmap.AllocInfo) []*allocmap.AllocInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fifo.PushBack(ai)
	c.bytes += ai.SizeWithRedzone

	var evicted []*allocmap.AllocInfo
	for c.overBudget() {
		front := c.fifo.Front()
		old := front.Value.(*allocmap.AllocInfo)
		c.fifo.Remove(front)
		c.bytes -= old.SizeWithRedzone
		evicted = append(evicted, old)
	}
	return evicted
}

func (c *Cache) overBudget() bool {
	if c.fifo.Len() == 0 {
		return false
	}
	if c.maxCount == 0 && c.maxBytes == 0 {
		return true
	}
	if c.maxCount > 0 && c.fifo.Len() > c.maxCount {
		return true
	}
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		return true
	}
	return false
}

// Drain empties the cache, returning every held record oldest first.  Used
// when the owning device is unregistered.
func (c *Cache) Drain() []*allocmap.AllocInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*allocmap.AllocInfo, 0, c.fifo.Len())
	for e := c.fifo.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*allocmap.AllocInfo))
	}
	c.fifo.Init()
	c.bytes = 0
	return out
}

// Len returns the number of quarantined records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fifo.Len()
}

// Bytes returns the quarantined byte total (redzone-extended sizes).
func (c *Cache) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
