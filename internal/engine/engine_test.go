package engine

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/debuglog"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/memdriver"
	"github.com/devsan/devsan/internal/options"
	"github.com/devsan/devsan/internal/report"
	"github.com/devsan/devsan/internal/shadow"
)

type world struct {
	drv *memdriver.Driver
	in  *Interceptor

	dev    driver.DeviceHandle
	ctx    driver.ContextHandle
	q      driver.QueueHandle
	prog   driver.ProgramHandle
	kernel driver.KernelHandle
}

func newWorld(t *testing.T, opts *options.Options) *world {
	t.Helper()
	drv, err := memdriver.New(context.Background(), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close(context.Background()) })

	w := &world{drv: drv}
	w.dev = drv.CreateDevice(driver.DeviceDescriptor{Type: driver.DeviceTypeGPU, Alignment: 8})
	w.ctx = drv.CreateContext(w.dev)
	w.q = drv.CreateQueue(w.ctx, w.dev)
	w.prog = drv.CreateProgram()
	w.kernel = drv.CreateKernel(w.prog, "vector_add")

	w.in = New(drv, opts, debuglog.New(debuglog.LevelOff, io.Discard))
	require.NoError(t, w.in.InsertContext(w.ctx))
	require.NoError(t, w.in.InsertProgram(w.prog))
	require.NoError(t, w.in.InsertKernel(w.kernel))
	return w
}

func (w *world) launch(t *testing.T) *LaunchInfo {
	t.Helper()
	li := NewLaunchInfo(1, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	require.NoError(t, w.in.PreLaunchKernel(w.kernel, w.q, li))
	require.NoError(t, w.in.PostLaunchKernel(w.kernel, w.q, li))
	return li
}

func TestAllocateMemory_LayoutAndShadow(t *testing.T) {
	w := newWorld(t, nil)

	ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)

	ai := w.in.FindAllocInfoByAddress(ptr)
	require.NotNil(t, ai)
	assert.Equal(t, ptr, ai.UserBegin)
	assert.Equal(t, ptr-16, ai.Base)
	assert.Equal(t, uint64(64), ai.Size)
	assert.Equal(t, uint64(96), ai.SizeWithRedzone)
	assert.Equal(t, allocmap.StateLive, ai.State())
	assert.NotEmpty(t, ai.AllocOrigin)

	// Redzone hits resolve to the same record.
	assert.Same(t, ai, w.in.FindAllocInfoByAddress(ptr-1))
	assert.Same(t, ai, w.in.FindAllocInfoByAddress(ptr+95-16))

	// Shadow state is published at the first launch on the device.
	di, ok := w.in.DeviceInfoOf(w.dev)
	require.True(t, ok)
	require.Nil(t, di.Shadow())
	w.launch(t)
	sm := di.Shadow()
	require.NotNil(t, sm)

	ok2, _, _, err := sm.CheckAccess(ptr, 64)
	require.NoError(t, err)
	assert.True(t, ok2)

	ok2, fault, val, err := sm.CheckAccess(ptr+64, 1)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Equal(t, ptr+64, fault)
	assert.Equal(t, shadow.ValueDeviceRedzone, val)

	ok2, _, val, err = sm.CheckAccess(ptr-1, 1)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Equal(t, shadow.ValueDeviceRedzone, val)
}

func TestAllocateMemory_Errors(t *testing.T) {
	w := newWorld(t, nil)

	_, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 0)
	require.Error(t, err)
	var derr *driver.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, driver.CodeInvalidArgument, derr.Code)

	_, err = w.in.AllocateMemory(driver.ContextHandle(0xdead), w.dev, allocmap.KindDeviceUSM, 0, 8)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceGlobal, 0, 8)
	require.Error(t, err)
}

func TestLaunchPayload_ArgsAndStaging(t *testing.T) {
	w := newWorld(t, nil)

	membA := driver.MemHandle(101)
	membB := driver.MemHandle(102)
	require.NoError(t, w.in.InsertMemBuffer(w.ctx, w.dev, membA, 128))
	require.NoError(t, w.in.InsertMemBuffer(w.ctx, w.dev, membB, 32))

	require.NoError(t, w.in.SetKernelArgBuffer(w.kernel, 0, membA))
	require.NoError(t, w.in.SetKernelArgBuffer(w.kernel, 1, membB))
	require.NoError(t, w.in.SetKernelArgLocal(w.kernel, 2, 100))
	require.NoError(t, w.in.SetKernelArgPointer(w.kernel, 3, 0x1234))

	li := NewLaunchInfo(1, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	require.NoError(t, w.in.PreLaunchKernel(w.kernel, w.q, li))

	p := li.Payload
	require.NotNil(t, p)
	assert.Equal(t, li.ID, p.LaunchID)
	assert.Equal(t, "vector_add", p.KernelName)

	mbA, ok := w.in.GetMemBuffer(membA)
	require.True(t, ok)
	mbB, ok := w.in.GetMemBuffer(membB)
	require.True(t, ok)
	require.Len(t, p.BufferArgs, 2)
	assert.Equal(t, uint32(0), p.BufferArgs[0].Index)
	assert.Equal(t, mbA.Alloc.UserBegin, p.BufferArgs[0].Base)
	assert.Equal(t, uint64(128), p.BufferArgs[0].Size)
	assert.Equal(t, mbB.Alloc.UserBegin, p.BufferArgs[1].Base)

	require.Len(t, p.LocalArgs, 1)
	assert.Equal(t, uint32(2), p.LocalArgs[0].Index)
	assert.Equal(t, uint64(100), p.LocalArgs[0].Size)
	assert.Equal(t, uint64(104+16), p.LocalArgs[0].SizeWithRedzone)

	require.Len(t, p.PointerArgs, 1)
	assert.Equal(t, uint64(0x1234), p.PointerArgs[0].Addr)

	// The payload is staged into device memory verbatim.
	staged, err := p.Encode()
	require.NoError(t, err)
	raw, err := w.drv.MemRead(li.Data, len(staged))
	require.NoError(t, err)
	assert.Equal(t, staged, raw)

	dataAddr := li.Data
	require.NoError(t, w.in.PostLaunchKernel(w.kernel, w.q, li))
	assert.Zero(t, li.Data)
	assert.False(t, w.drv.Allocated(dataAddr))

	// Every shadow command depends on its predecessor, and the launch
	// ends with a barrier extending the chain.
	ops := w.drv.QueueOps(w.q)
	require.NotEmpty(t, ops)
	for i := 1; i < len(ops); i++ {
		assert.Equal(t, ops[i-1].Event, ops[i].Dep, "op %d not chained", i)
	}
	assert.True(t, ops[len(ops)-1].Barrier)

	qi, ok := w.in.QueueInfoOf(w.q)
	require.True(t, ok)
	assert.Equal(t, ops[len(ops)-1].Event, qi.LastEvent())
}

func TestReleaseMemory_QuarantineAndClassification(t *testing.T) {
	w := newWorld(t, nil)

	ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)
	ai := w.in.FindAllocInfoByAddress(ptr)
	require.NotNil(t, ai)
	w.launch(t)

	require.NoError(t, w.in.ReleaseMemory(w.ctx, ptr))
	assert.Equal(t, allocmap.StateQuarantined, ai.State())
	assert.NotEmpty(t, ai.FreeOrigin)

	// Quarantined memory is not returned to the driver yet.
	assert.True(t, w.drv.Allocated(ai.Base))

	// The whole block is poisoned as freed, host-side, without another
	// launch.
	di, _ := w.in.DeviceInfoOf(w.dev)
	ok, _, val, err := di.Shadow().CheckAccess(ptr, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, shadow.ValueFreed, val)

	v := w.in.DiagnoseAccess(ptr+8, 4, "read", "vector_add", "launch-1")
	assert.Equal(t, report.TypeUseAfterFree, v.Type)
	assert.Same(t, ai, v.Alloc)
	assert.Equal(t, uint64(1), w.in.Recorder().CountByType(report.TypeUseAfterFree))
}

func TestQuarantine_CountBudgetEvictsOldest(t *testing.T) {
	opts := options.Default()
	opts.MaxQuarantineCount = 2
	opts.MaxQuarantineBytes = 0
	w := newWorld(t, opts)

	var ais []*allocmap.AllocInfo
	for i := 0; i < 3; i++ {
		ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 32)
		require.NoError(t, err)
		ai := w.in.FindAllocInfoByAddress(ptr)
		require.NotNil(t, ai)
		ais = append(ais, ai)
		require.NoError(t, w.in.ReleaseMemory(w.ctx, ptr))
	}

	// Oldest record evicted: terminal state, backing memory returned.
	assert.Equal(t, allocmap.StateFreed, ais[0].State())
	assert.False(t, w.drv.Allocated(ais[0].Base))

	// Still classifiable after eviction.
	assert.Equal(t, report.TypeUseAfterFree, report.Classify(ais[0], ais[0].UserBegin))

	assert.Equal(t, allocmap.StateQuarantined, ais[1].State())
	assert.Equal(t, allocmap.StateQuarantined, ais[2].State())
	assert.True(t, w.drv.Allocated(ais[1].Base))

	di, _ := w.in.DeviceInfoOf(w.dev)
	assert.Equal(t, 2, di.Quarantine.Len())
}

func TestQuarantine_DisabledFreesImmediately(t *testing.T) {
	opts := options.Default()
	opts.MaxQuarantineCount = 0
	opts.MaxQuarantineBytes = 0
	w := newWorld(t, opts)

	ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)
	ai := w.in.FindAllocInfoByAddress(ptr)

	require.NoError(t, w.in.ReleaseMemory(w.ctx, ptr))
	assert.Equal(t, allocmap.StateFreed, ai.State())
	assert.False(t, w.drv.Allocated(ai.Base))
}

func TestReleaseMemory_FaultPaths(t *testing.T) {
	w := newWorld(t, nil)

	ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)

	// Freeing mid-allocation.
	require.Error(t, w.in.ReleaseMemory(w.ctx, ptr+8))
	assert.Equal(t, uint64(1), w.in.Recorder().CountByType(report.TypeInvalidFree))

	// Freeing an address no allocation ever covered.
	require.Error(t, w.in.ReleaseMemory(w.ctx, 0x20))
	assert.Equal(t, uint64(2), w.in.Recorder().CountByType(report.TypeInvalidFree))

	// Double free.
	require.NoError(t, w.in.ReleaseMemory(w.ctx, ptr))
	require.Error(t, w.in.ReleaseMemory(w.ctx, ptr))
	assert.Equal(t, uint64(1), w.in.Recorder().CountByType(report.TypeDoubleFree))

	ci, ok := w.in.ContextInfoOf(w.ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ci.Stats.AllocCount.Load())
	assert.Equal(t, uint64(1), ci.Stats.FreeCount.Load())
	assert.Zero(t, ci.Stats.AllocatedBytes.Load())
}

func TestContextLifecycle_RefCounting(t *testing.T) {
	w := newWorld(t, nil)

	ctx2 := w.drv.CreateContext(w.dev)
	require.NoError(t, w.in.InsertContext(ctx2))
	require.NoError(t, w.in.RetainContext(ctx2))
	require.NoError(t, w.in.RetainContext(ctx2))

	require.NoError(t, w.in.ReleaseContext(ctx2))
	require.NoError(t, w.in.ReleaseContext(ctx2))
	_, ok := w.in.ContextInfoOf(ctx2)
	assert.True(t, ok)

	require.NoError(t, w.in.ReleaseContext(ctx2))
	_, ok = w.in.ContextInfoOf(ctx2)
	assert.False(t, ok)
	assert.False(t, w.drv.ContextAlive(ctx2))

	assert.ErrorIs(t, w.in.ReleaseContext(ctx2), ErrNotFound)
}

func TestInsertErase_NoResiduals(t *testing.T) {
	w := newWorld(t, nil)

	ctx2 := w.drv.CreateContext(w.dev)
	require.NoError(t, w.in.InsertContext(ctx2))
	assert.ErrorIs(t, w.in.InsertContext(ctx2), ErrAlreadyRegistered)
	require.NoError(t, w.in.EraseContext(ctx2))
	_, ok := w.in.ContextInfoOf(ctx2)
	assert.False(t, ok)
	assert.Empty(t, w.in.FindAllocInfoByContext(ctx2))

	// Re-registration after erase starts clean.
	require.NoError(t, w.in.InsertContext(ctx2))
	require.NoError(t, w.in.EraseContext(ctx2))
}

func TestKernelLifecycle_RefCounting(t *testing.T) {
	w := newWorld(t, nil)

	k2 := w.drv.CreateKernel(w.prog, "reduce")
	require.NoError(t, w.in.InsertKernel(k2))
	require.NoError(t, w.in.RetainKernel(k2))
	require.NoError(t, w.in.ReleaseKernel(k2))
	require.NoError(t, w.in.ReleaseKernel(k2))

	_, ok := w.in.KernelInfoOf(k2)
	assert.False(t, ok)
	assert.False(t, w.drv.KernelAlive(k2))
}

func TestDeviceGlobals_RegisteredOncePerDevice(t *testing.T) {
	w := newWorld(t, nil)

	g, err := w.drv.PlaceGlobal(w.prog, "counter", 48, 64)
	require.NoError(t, err)

	require.NoError(t, w.in.RegisterProgram(w.ctx, w.prog))
	ai := w.in.FindAllocInfoByAddress(g.Addr)
	require.NotNil(t, ai)
	assert.Equal(t, allocmap.KindDeviceGlobal, ai.Kind)
	assert.Equal(t, g.Addr, ai.UserBegin)
	assert.Equal(t, uint64(48), ai.Size)
	assert.Equal(t, uint64(64), ai.SizeWithRedzone)

	// Registering again, directly or through a launch, is a no-op.
	require.NoError(t, w.in.RegisterProgram(w.ctx, w.prog))
	w.launch(t)

	count := 0
	for _, rec := range w.in.FindAllocInfoByContext(w.ctx) {
		if rec.Kind == allocmap.KindDeviceGlobal {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// The global's trailing redzone is poisoned with its own encoding.
	di, _ := w.in.DeviceInfoOf(w.dev)
	ok, _, val, err := di.Shadow().CheckAccess(g.Addr+48, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, shadow.ValueDeviceGlobalRedzone, val)

	require.NoError(t, w.in.UnregisterProgram(w.prog))
	assert.Equal(t, allocmap.StateFreed, ai.State())
}

func TestMemBuffer_EraseReleasesBacking(t *testing.T) {
	w := newWorld(t, nil)

	h := driver.MemHandle(77)
	require.NoError(t, w.in.InsertMemBuffer(w.ctx, w.dev, h, 256))
	mb, ok := w.in.GetMemBuffer(h)
	require.True(t, ok)
	assert.Equal(t, allocmap.KindMemBuffer, mb.Alloc.Kind)

	// USM-freeing a buffer backing is rejected.
	require.Error(t, w.in.ReleaseMemory(w.ctx, mb.Alloc.UserBegin))

	require.NoError(t, w.in.EraseMemBuffer(h))
	_, ok = w.in.GetMemBuffer(h)
	assert.False(t, ok)
	assert.Equal(t, allocmap.StateQuarantined, mb.Alloc.State())
}

func TestHoldAdapter_Idempotent(t *testing.T) {
	w := newWorld(t, nil)

	a := w.drv.CreateAdapter()
	before := w.drv.AdapterRefs(a)
	require.NoError(t, w.in.HoldAdapter(a))
	require.NoError(t, w.in.HoldAdapter(a))
	assert.Equal(t, before+1, w.drv.AdapterRefs(a))

	require.NoError(t, w.in.Close())
	assert.Equal(t, before, w.drv.AdapterRefs(a))
}

func TestQueue_SurvivesApplicationRelease(t *testing.T) {
	w := newWorld(t, nil)

	_, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)

	li := NewLaunchInfo(1, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	require.NoError(t, w.in.PreLaunchKernel(w.kernel, w.q, li))

	// The application drops its only reference mid-launch; the tracked
	// record holds its own, so commands against the queue still land.
	require.NoError(t, w.drv.ReleaseQueue(w.q))
	assert.True(t, w.drv.QueueAlive(w.q))
	require.NoError(t, w.in.PostLaunchKernel(w.kernel, w.q, li))

	// Erasing the record returns the engine's reference.
	require.NoError(t, w.in.EraseQueue(w.q))
	assert.False(t, w.drv.QueueAlive(w.q))
}

func TestTrackedRecords_HoldDriverReferences(t *testing.T) {
	w := newWorld(t, nil)

	require.NoError(t, w.drv.ReleaseContext(w.ctx))
	require.NoError(t, w.drv.ReleaseProgram(w.prog))
	require.NoError(t, w.drv.ReleaseKernel(w.kernel))
	assert.True(t, w.drv.ContextAlive(w.ctx))
	assert.True(t, w.drv.ProgramAlive(w.prog))
	assert.True(t, w.drv.KernelAlive(w.kernel))

	require.NoError(t, w.in.Close())
	assert.False(t, w.drv.ContextAlive(w.ctx))
	assert.False(t, w.drv.ProgramAlive(w.prog))
	assert.False(t, w.drv.KernelAlive(w.kernel))
}

// flakyDriver fails EnqueueFill after a set number of calls.
type flakyDriver struct {
	*memdriver.Driver

	mu    sync.Mutex
	fills int
	allow int
}

func (d *flakyDriver) setAllow(n int) {
	d.mu.Lock()
	d.allow = n
	d.mu.Unlock()
}

func (d *flakyDriver) EnqueueFill(q driver.QueueHandle, addr uint64, val byte, n uint64, dep driver.EventHandle) (driver.EventHandle, error) {
	d.mu.Lock()
	d.fills++
	over := d.fills > d.allow
	d.mu.Unlock()
	if over {
		return 0, driver.Errf(driver.CodeOutOfResources, "EnqueueFill", "injected fault")
	}
	return d.Driver.EnqueueFill(q, addr, val, n, dep)
}

func TestFlushPending_RequeuesUnflushedOnFailure(t *testing.T) {
	drv, err := memdriver.New(context.Background(), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close(context.Background()) })
	fd := &flakyDriver{Driver: drv, allow: 4}

	dev := drv.CreateDevice(driver.DeviceDescriptor{Type: driver.DeviceTypeGPU, Alignment: 8})
	ctx := drv.CreateContext(dev)
	q := drv.CreateQueue(ctx, dev)
	prog := drv.CreateProgram()
	kernel := drv.CreateKernel(prog, "vector_add")

	in := New(fd, nil, debuglog.New(debuglog.LevelOff, io.Discard))
	require.NoError(t, in.InsertContext(ctx))
	require.NoError(t, in.InsertProgram(prog))
	require.NoError(t, in.InsertKernel(kernel))

	// Each live record flushes as three fill commands, so the budget of
	// four fails the drain midway through the second record.
	_, err = in.AllocateMemory(ctx, dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)
	ptr2, err := in.AllocateMemory(ctx, dev, allocmap.KindDeviceUSM, 0, 64)
	require.NoError(t, err)

	li := NewLaunchInfo(1, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	require.Error(t, in.PreLaunchKernel(kernel, q, li))

	ci, ok := in.ContextInfoOf(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, ci.pendingLen(dev))

	// Once the driver recovers, the next launch publishes the remainder.
	fd.setAllow(1 << 20)
	li2 := NewLaunchInfo(2, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	require.NoError(t, in.PreLaunchKernel(kernel, q, li2))
	require.NoError(t, in.PostLaunchKernel(kernel, q, li2))
	assert.Zero(t, ci.pendingLen(dev))

	ai := in.FindAllocInfoByAddress(ptr2)
	require.NotNil(t, ai)
	di, ok := in.DeviceInfoOf(dev)
	require.True(t, ok)
	ok2, _, val, err := di.Shadow().CheckAccess(ai.UserEnd, 1)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Equal(t, shadow.ValueDeviceRedzone, val)
}

func TestPreLaunch_SurfacesBadKernelName(t *testing.T) {
	w := newWorld(t, nil)

	k2 := w.drv.CreateKernel(w.prog, "vector\xffadd")
	require.NoError(t, w.in.InsertKernel(k2))

	li := NewLaunchInfo(1, [3]uint64{64, 1, 1}, [3]uint64{8, 1, 1}, [3]uint64{})
	err := w.in.PreLaunchKernel(k2, w.q, li)
	require.ErrorContains(t, err, "not valid UTF-8")
}

func TestConcurrentAllocateFree_DistinctRanges(t *testing.T) {
	w := newWorld(t, nil)

	const workers = 8
	const perWorker = 40

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ptr, err := w.in.AllocateMemory(w.ctx, w.dev, allocmap.KindDeviceUSM, 0, 32)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				dup := seen[ptr]
				seen[ptr] = true
				mu.Unlock()
				if dup {
					t.Errorf("pointer 0x%x handed out twice while live", ptr)
					return
				}
				if j%2 == 0 {
					if err := w.in.ReleaseMemory(w.ctx, ptr); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	ci, _ := w.in.ContextInfoOf(w.ctx)
	assert.Equal(t, uint64(workers*perWorker), ci.Stats.AllocCount.Load())
	assert.Equal(t, uint64(workers*perWorker/2), ci.Stats.FreeCount.Load())
}
