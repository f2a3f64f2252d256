package quarantine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsan/devsan/internal/allocmap"
)

func entry(base, extended uint64) *allocmap.AllocInfo {
	return &allocmap.AllocInfo{
		Base:            base,
		UserBegin:       base + 16,
		UserEnd:         base + extended - 16,
		Size:            extended - 32,
		SizeWithRedzone: extended,
	}
}

func TestPut_WithinBudgetKeepsAll(t *testing.T) {
	c := New(1024, 10)

	assert.Empty(t, c.Put(entry(0x1000, 96)))
	assert.Empty(t, c.Put(entry(0x2000, 96)))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(192), c.Bytes())
}

func TestPut_CountBudgetEvictsOldestFirst(t *testing.T) {
	c := New(0, 2)

	a := entry(0x1000, 96)
	b := entry(0x2000, 96)
	d := entry(0x3000, 96)

	require.Empty(t, c.Put(a))
	require.Empty(t, c.Put(b))

	evicted := c.Put(d)
	require.Len(t, evicted, 1)
	assert.Same(t, a, evicted[0], "FIFO: oldest entry leaves first")
	assert.Equal(t, 2, c.Len())
}

func TestPut_ByteBudgetEvictsUntilWithin(t *testing.T) {
	c := New(200, 0)

	a := entry(0x1000, 96)
	b := entry(0x2000, 96)
	big := entry(0x3000, 190)

	require.Empty(t, c.Put(a))
	require.Empty(t, c.Put(b))

	evicted := c.Put(big)
	require.Len(t, evicted, 2)
	assert.Same(t, a, evicted[0])
	assert.Same(t, b, evicted[1])
	assert.Equal(t, uint64(190), c.Bytes())
}

// Both budgets are enforced together: eviction continues until count AND
// bytes are within bounds.
func TestPut_CombinedBudgets(t *testing.T) {
	c := New(300, 3)

	require.Empty(t, c.Put(entry(0x1000, 96)))
	require.Empty(t, c.Put(entry(0x2000, 96)))
	require.Empty(t, c.Put(entry(0x3000, 96)))

	// A fourth entry breaks the count budget; evicting one entry satisfies
	// the count but the byte budget (288+96-96=288 <= 300) also holds after
	// a single eviction.
	evicted := c.Put(entry(0x4000, 96))
	assert.Len(t, evicted, 1)
	assert.Equal(t, 3, c.Len())
	assert.LessOrEqual(t, c.Bytes(), uint64(300))
	assert.LessOrEqual(t, c.Len(), 3)
}

func TestPut_EntryLargerThanBudgetPassesThrough(t *testing.T) {
	c := New(64, 0)

	huge := entry(0x1000, 128)
	evicted := c.Put(huge)

	require.Len(t, evicted, 1)
	assert.Same(t, huge, evicted[0])
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Bytes())
}

func TestDrain(t *testing.T) {
	c := New(0, 0)
	// Both budgets disabled means pass-through on Put, so build via a
	// bounded cache instead.
	c = New(1<<20, 100)

	a := entry(0x1000, 96)
	b := entry(0x2000, 96)
	c.Put(a)
	c.Put(b)

	got := c.Drain()
	require.Len(t, got, 2)
	assert.Same(t, a, got[0])
	assert.Same(t, b, got[1])
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Bytes())
}

func TestPut_DisabledBudgetsPassThrough(t *testing.T) {
	c := New(0, 0)

	a := entry(0x1000, 96)
	evicted := c.Put(a)
	require.Len(t, evicted, 1)
	assert.Same(t, a, evicted[0])
}
