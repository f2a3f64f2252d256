package allocmap

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsan/devsan/internal/driver"
)

func mkAlloc(base, size, redzone uint64) *AllocInfo {
	return &AllocInfo{
		Base:            base,
		UserBegin:       base + redzone,
		UserEnd:         base + redzone + size,
		Size:            size,
		SizeWithRedzone: size + 2*redzone,
		Kind:            KindDeviceUSM,
		Context:         driver.ContextHandle(1),
		Device:          driver.DeviceHandle(1),
	}
}

func TestMap_FindByAddress(t *testing.T) {
	m := NewMap()
	a := mkAlloc(0x1000, 64, 16)
	b := mkAlloc(0x2000, 128, 16)
	m.Insert(a)
	m.Insert(b)

	tests := []struct {
		name string
		addr uint64
		want *AllocInfo
	}{
		{name: "user byte", addr: 0x1010, want: a},
		{name: "first user byte", addr: a.UserBegin, want: a},
		{name: "last user byte", addr: a.UserEnd - 1, want: a},
		{name: "left redzone", addr: 0x1000, want: a},
		{name: "right redzone", addr: a.UserEnd, want: a},
		{name: "one past extended range", addr: a.Base + a.SizeWithRedzone, want: nil},
		{name: "below every range", addr: 0x10, want: nil},
		{name: "gap between ranges", addr: 0x1800, want: nil},
		{name: "second allocation", addr: 0x2050, want: b},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.FindByAddress(tt.addr)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				assert.Same(t, tt.want, got)
			}
		})
	}
}

func TestMap_EveryUserAddressResolves(t *testing.T) {
	m := NewMap()
	a := mkAlloc(0x4000, 64, 16)
	m.Insert(a)

	for addr := a.UserBegin; addr < a.UserEnd; addr++ {
		require.Same(t, a, m.FindByAddress(addr), "addr 0x%x", addr)
	}
}

func TestMap_RecordSurvivesStateTransitions(t *testing.T) {
	m := NewMap()
	a := mkAlloc(0x1000, 32, 16)
	m.Insert(a)

	a.Advance(StateQuarantined)
	got := m.FindByAddress(a.UserBegin)
	require.Same(t, a, got)
	assert.Equal(t, StateQuarantined, got.State())

	a.Advance(StateFreed)
	got = m.FindByAddress(a.UserBegin)
	require.Same(t, a, got)
	assert.Equal(t, StateFreed, got.State())
}

func TestMap_OverlappingLiveInsertPanics(t *testing.T) {
	m := NewMap()
	m.Insert(mkAlloc(0x1000, 64, 16))

	assert.Panics(t, func() {
		m.Insert(mkAlloc(0x1020, 64, 16))
	})
}

func TestMap_FreedRecordIsSuperseded(t *testing.T) {
	m := NewMap()
	old := mkAlloc(0x1000, 64, 16)
	m.Insert(old)
	old.Advance(StateQuarantined)
	old.Advance(StateFreed)

	reuse := mkAlloc(0x1000, 32, 16)
	m.Insert(reuse)

	assert.Same(t, reuse, m.FindByAddress(reuse.UserBegin))
	assert.Equal(t, 1, m.Len())
}

func TestMap_FindAllByContext(t *testing.T) {
	m := NewMap()
	a := mkAlloc(0x1000, 64, 16)
	b := mkAlloc(0x2000, 64, 16)
	b.Context = driver.ContextHandle(2)
	m.Insert(a)
	m.Insert(b)

	got := m.FindAllByContext(driver.ContextHandle(1))
	require.Len(t, got, 1)
	assert.Same(t, a, got[0])
}

func TestAllocInfo_NonMonotonicAdvancePanics(t *testing.T) {
	a := mkAlloc(0x1000, 64, 16)
	a.Advance(StateFreed)

	assert.Panics(t, func() { a.Advance(StateQuarantined) })
	assert.Panics(t, func() { a.Advance(StateFreed) })
}

// Randomized concurrent allocate/free: live ranges must never overlap and
// every live user address must resolve.
func TestMap_ConcurrentNonOverlap(t *testing.T) {
	m := NewMap()

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			// Disjoint per-worker arenas model the driver never handing
			// out the same range twice while live.
			base := uint64(w+1) << 24
			var live []*AllocInfo
			for i := 0; i < perWorker; i++ {
				size := uint64(rng.Intn(240) + 8)
				a := mkAlloc(base, size, 16)
				base += a.SizeWithRedzone
				m.Insert(a)
				live = append(live, a)
				if rng.Intn(3) == 0 && len(live) > 0 {
					idx := rng.Intn(len(live))
					live[idx].Advance(StateQuarantined)
					live = append(live[:idx], live[idx+1:]...)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, m.Len())

	// Verify the sorted-order invariant via exhaustive pairwise containment
	// of live record endpoints.
	for _, ai := range m.FindAllByContext(driver.ContextHandle(1)) {
		if ai.State() != StateLive {
			continue
		}
		for addr := ai.UserBegin; addr < ai.UserEnd; addr += 7 {
			require.Same(t, ai, m.FindByAddress(addr))
		}
	}
}
