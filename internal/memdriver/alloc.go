package memdriver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devsan/devsan/internal/driver"
)

// block is one span of the device heap.
type block struct {
	addr uint64
	size uint64
}

// heapAllocator hands out spans of the linear memory with first-fit
// placement.  Freed spans coalesce with their neighbors.
type heapAllocator struct {
	mu   sync.Mutex
	free []block // sorted by addr, non-adjacent
	used map[uint64]uint64
}

func newHeapAllocator(base, size uint64) *heapAllocator {
	return &heapAllocator{
		free: []block{{addr: base, size: size}},
		used: make(map[uint64]uint64),
	}
}

// alloc returns an aligned span of size bytes, first-fit.
func (h *heapAllocator) alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, driver.Errf(driver.CodeInvalidArgument, "alloc", "zero size")
	}
	if align == 0 {
		align = 8
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, b := range h.free {
		start := (b.addr + align - 1) &^ (align - 1)
		pad := start - b.addr
		if b.size < pad+size {
			continue
		}
		// Carve [start, start+size) out of the block.
		tail := block{addr: start + size, size: b.size - pad - size}
		switch {
		case pad == 0 && tail.size == 0:
			h.free = append(h.free[:i], h.free[i+1:]...)
		case pad == 0:
			h.free[i] = tail
		case tail.size == 0:
			h.free[i] = block{addr: b.addr, size: pad}
		default:
			h.free[i] = block{addr: b.addr, size: pad}
			h.free = append(h.free, block{})
			copy(h.free[i+2:], h.free[i+1:])
			h.free[i+1] = tail
		}
		h.used[start] = size
		return start, nil
	}
	return 0, driver.Errf(driver.CodeOutOfResources, "alloc", "no span of %d bytes (align %d)", size, align)
}

// release returns the span at addr to the free list, merging neighbors.
func (h *heapAllocator) release(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.used[addr]
	if !ok {
		return driver.Errf(driver.CodeInvalidArgument, "free", "0x%x is not an allocation base", addr)
	}
	delete(h.used, addr)

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].addr > addr })
	h.free = append(h.free, block{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = block{addr: addr, size: size}

	// Coalesce with the right neighbor, then the left.
	if i+1 < len(h.free) && h.free[i].addr+h.free[i].size == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].addr+h.free[i-1].size == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
	return nil
}

// sizeOf returns the size of the allocation at addr.
func (h *heapAllocator) sizeOf(addr uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.used[addr]
	return size, ok
}

func (h *heapAllocator) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("heapAllocator{free=%d blocks, used=%d spans}", len(h.free), len(h.used))
}
