package allocmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devsan/devsan/internal/driver"
)

// Map is the address-ordered index over all allocation records.  It assumes
// every tracked allocation lives in one flat virtual address space.  Records
// are kept after free so stale addresses still resolve; a record leaves the
// map only when a new live allocation reuses its address range, which can
// happen only after quarantine eviction returned the range to the driver.
type Map struct {
	mu      sync.RWMutex
	entries []*AllocInfo // sorted by Base, non-overlapping except freed
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{}
}

// Insert adds a live allocation record.  An overlap with an existing live or
// quarantined record means the driver handed out overlapping memory or the
// engine's bookkeeping is corrupt; either way diagnosis can no longer be
// trusted, so Insert panics.  Overlapping freed records are superseded: their
// range was already returned to the driver, the reuse is legitimate.
func (m *Map) Insert(ai *AllocInfo) {
	if ai.SizeWithRedzone == 0 {
		panic("allocmap: insert of empty range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	begin := ai.Base
	end := ai.Base + ai.SizeWithRedzone

	// First entry whose range could reach begin, scanning forward from the
	// predecessor to drop superseded records.
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Base+m.entries[i].SizeWithRedzone > begin
	})
	for i < len(m.entries) && m.entries[i].Base < end {
		old := m.entries[i]
		if old.State() != StateFreed {
			panic(fmt.Sprintf("allocmap: new allocation [0x%x,0x%x) overlaps %s record %s",
				begin, end, old.State(), old))
		}
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}

	pos := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Base >= begin
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[pos+1:], m.entries[pos:])
	m.entries[pos] = ai
}

// FindByAddress resolves addr to the allocation record containing it, in any
// liveness state.  Returns nil when addr falls outside every recorded range.
func (m *Map) FindByAddress(addr uint64) *AllocInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Predecessor search: greatest Base <= addr.
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Base > addr
	})
	if i == 0 {
		return nil
	}
	if ai := m.entries[i-1]; ai.Contains(addr) {
		return ai
	}
	return nil
}

// FindAllByContext returns every record owned by the context, in address
// order.
func (m *Map) FindAllByContext(ctx driver.ContextHandle) []*AllocInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AllocInfo
	for _, ai := range m.entries {
		if ai.Context == ctx {
			out = append(out, ai)
		}
	}
	return out
}

// Len returns the number of records currently indexed.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
