package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/payload"
)

// PointerArgInfo is a raw-pointer kernel argument with the call site that
// set it, so a fault through the pointer can name where it came from.
type PointerArgInfo struct {
	Addr   uint64
	Origin allocmap.Origin
}

// LocalArgInfo is a local (work-group memory) kernel argument.
type LocalArgInfo struct {
	Size uint64
}

// KernelInfo is the engine's record for one kernel: its cached name and
// the arguments set since the last launch.  Setting an argument index
// replaces any previous binding at that index, whatever its kind.
type KernelInfo struct {
	Handle driver.KernelHandle

	refs atomic.Int32

	mu          sync.RWMutex
	name        string
	nameLoaded  bool
	bufferArgs  map[uint32]*MemBuffer
	pointerArgs map[uint32]PointerArgInfo
	localArgs   map[uint32]LocalArgInfo
}

func newKernelInfo(h driver.KernelHandle) *KernelInfo {
	ki := &KernelInfo{
		Handle:      h,
		bufferArgs:  make(map[uint32]*MemBuffer),
		pointerArgs: make(map[uint32]PointerArgInfo),
		localArgs:   make(map[uint32]LocalArgInfo),
	}
	ki.refs.Store(1)
	return ki
}

// Name returns the kernel's name, querying the driver once and caching.
func (k *KernelInfo) Name(drv driver.Driver) (string, error) {
	k.mu.RLock()
	if k.nameLoaded {
		name := k.name
		k.mu.RUnlock()
		return name, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.nameLoaded {
		return k.name, nil
	}
	name, err := drv.KernelName(k.Handle)
	if err != nil {
		return "", err
	}
	k.name, k.nameLoaded = name, true
	return name, nil
}

// SetBufferArg binds a memory buffer at index.
func (k *KernelInfo) SetBufferArg(index uint32, mb *MemBuffer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearIndex(index)
	k.bufferArgs[index] = mb
}

// SetPointerArg binds a raw device pointer at index, capturing the caller
// as the argument's origin.
func (k *KernelInfo) SetPointerArg(index uint32, addr uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearIndex(index)
	k.pointerArgs[index] = PointerArgInfo{Addr: addr, Origin: allocmap.CaptureOrigin(1)}
}

// SetLocalArg binds a local-memory argument of the given size at index.
func (k *KernelInfo) SetLocalArg(index uint32, size uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearIndex(index)
	k.localArgs[index] = LocalArgInfo{Size: size}
}

func (k *KernelInfo) clearIndex(index uint32) {
	delete(k.bufferArgs, index)
	delete(k.pointerArgs, index)
	delete(k.localArgs, index)
}

// args returns the current argument bindings, each ascending by index.
func (k *KernelInfo) args() (buffers []payload.BufferArg, pointers []PointerArgInfo, ptrIdx []uint32, locals []payload.LocalArg) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for idx, mb := range k.bufferArgs {
		buffers = append(buffers, payload.BufferArg{Index: idx, Base: mb.Alloc.UserBegin, Size: mb.Size})
	}
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].Index < buffers[j].Index })

	for idx := range k.pointerArgs {
		ptrIdx = append(ptrIdx, idx)
	}
	sort.Slice(ptrIdx, func(i, j int) bool { return ptrIdx[i] < ptrIdx[j] })
	for _, idx := range ptrIdx {
		pointers = append(pointers, k.pointerArgs[idx])
	}

	for idx, la := range k.localArgs {
		locals = append(locals, payload.LocalArg{Index: idx, Size: la.Size})
	}
	sort.Slice(locals, func(i, j int) bool { return locals[i].Index < locals[j].Index })
	return buffers, pointers, ptrIdx, locals
}

// ProgramInfo is the engine's record for one compiled program.  Its
// device globals are registered at most once per device; the resulting
// allocation records live as long as the process.
type ProgramInfo struct {
	Handle driver.ProgramHandle

	refs atomic.Int32

	mu          sync.Mutex
	globals     []*allocmap.AllocInfo
	globalsDone map[driver.DeviceHandle]bool
}

func newProgramInfo(h driver.ProgramHandle) *ProgramInfo {
	pi := &ProgramInfo{Handle: h, globalsDone: make(map[driver.DeviceHandle]bool)}
	pi.refs.Store(1)
	return pi
}

// MemBuffer is the engine's record for one driver memory buffer, backed
// by a redzone-extended device allocation the engine owns.
type MemBuffer struct {
	Handle driver.MemHandle
	Size   uint64
	Alloc  *allocmap.AllocInfo
}

// LaunchInfo is the per-launch state the engine threads through
// PreLaunchKernel and PostLaunchKernel.  The caller creates one per
// launch and must not reuse it.
type LaunchInfo struct {
	ID string

	WorkDim      uint32
	GlobalSize   [3]uint64
	LocalSize    [3]uint64
	GlobalOffset [3]uint64

	Context driver.ContextHandle
	Device  driver.DeviceHandle
	Queue   driver.QueueHandle

	// Data is the device address of the staged payload, valid between
	// PreLaunchKernel and PostLaunchKernel.
	Data    uint64
	Payload *payload.LaunchPayload
}

// NewLaunchInfo returns a LaunchInfo for one enqueue of the given shape.
func NewLaunchInfo(workDim uint32, global, local, offset [3]uint64) *LaunchInfo {
	return &LaunchInfo{
		ID:           uuid.NewString(),
		WorkDim:      workDim,
		GlobalSize:   global,
		LocalSize:    local,
		GlobalOffset: offset,
	}
}
