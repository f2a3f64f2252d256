// Package memdriver is an in-process reference implementation of the host
// driver contract.  Device-visible memory is a wazero linear memory, so the
// flat unified address space the engine assumes is a real, bounds-checked
// allocation rather than a simulation over native pointers.  Commands are
// applied host-synchronously, but every enqueue records its dependency event
// so per-queue ordering stays observable.
package memdriver

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/devsan/devsan/internal/driver"
)

// heapBase keeps the first pages unallocated so small addresses never alias
// a real allocation.
const heapBase = 0x10000

// FillOp is one recorded queue command.
type FillOp struct {
	Addr    uint64
	Pattern byte
	N       uint64
	Dep     driver.EventHandle
	Event   driver.EventHandle
	Barrier bool // true for EnqueueDependent records
}

type refObj struct {
	refs int
}

type deviceObj struct {
	desc driver.DeviceDescriptor
}

type contextObj struct {
	refObj
	devices []driver.DeviceHandle
}

type queueObj struct {
	refObj
	context driver.ContextHandle
	device  driver.DeviceHandle
}

type programObj struct {
	refObj
	globals []driver.GlobalVariable
}

type kernelObj struct {
	refObj
	program driver.ProgramHandle
	name    string
}

// Driver implements driver.Driver over a wazero linear memory.
type Driver struct {
	rt  wazero.Runtime
	mod api.Module
	mem api.Memory

	heap *heapAllocator

	mu         sync.Mutex
	nextHandle uint64
	contexts   map[driver.ContextHandle]*contextObj
	devices    map[driver.DeviceHandle]*deviceObj
	queues     map[driver.QueueHandle]*queueObj
	programs   map[driver.ProgramHandle]*programObj
	kernels    map[driver.KernelHandle]*kernelObj
	adapters   map[driver.AdapterHandle]*refObj
	eventDeps  map[driver.EventHandle]driver.EventHandle
	queueOps   map[driver.QueueHandle][]FillOp
}

var _ driver.Driver = (*Driver)(nil)

// New creates a reference driver with a linear memory of the given page
// count (64 KiB pages).
func New(ctx context.Context, pages uint32) (*Driver, error) {
	rt := wazero.NewRuntime(ctx)
	mem, mod, err := linearMemory(ctx, rt, pages)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	memSize := uint64(pages) * PageSize
	if memSize <= heapBase {
		mod.Close(ctx)
		rt.Close(ctx)
		return nil, fmt.Errorf("memdriver: need more than %d pages", heapBase/PageSize)
	}
	return &Driver{
		rt:        rt,
		mod:       mod,
		mem:       mem,
		heap:      newHeapAllocator(heapBase, memSize-heapBase),
		contexts:  make(map[driver.ContextHandle]*contextObj),
		devices:   make(map[driver.DeviceHandle]*deviceObj),
		queues:    make(map[driver.QueueHandle]*queueObj),
		programs:  make(map[driver.ProgramHandle]*programObj),
		kernels:   make(map[driver.KernelHandle]*kernelObj),
		adapters:  make(map[driver.AdapterHandle]*refObj),
		eventDeps: make(map[driver.EventHandle]driver.EventHandle),
		queueOps:  make(map[driver.QueueHandle][]FillOp),
	}, nil
}

// Close tears down the wazero runtime.
func (d *Driver) Close(ctx context.Context) error {
	return d.rt.Close(ctx)
}

// MemSize returns the size of the device-visible address space.
func (d *Driver) MemSize() uint64 { return uint64(d.mem.Size()) }

func (d *Driver) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// ---- object construction (the "driver front-end" a real runtime would own)

// CreateAdapter fabricates an adapter handle with one reference.
func (d *Driver) CreateAdapter() driver.AdapterHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.AdapterHandle(d.handle())
	d.adapters[h] = &refObj{refs: 1}
	return h
}

// CreateDevice fabricates a device.  Devices live for the process lifetime
// and are not reference counted.
func (d *Driver) CreateDevice(desc driver.DeviceDescriptor) driver.DeviceHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Alignment == 0 {
		desc.Alignment = 8
	}
	h := driver.DeviceHandle(d.handle())
	d.devices[h] = &deviceObj{desc: desc}
	return h
}

// CreateContext fabricates a context over the given devices.
func (d *Driver) CreateContext(devs ...driver.DeviceHandle) driver.ContextHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.ContextHandle(d.handle())
	d.contexts[h] = &contextObj{refObj: refObj{refs: 1}, devices: devs}
	return h
}

// CreateQueue fabricates a command queue on the context/device pair.
func (d *Driver) CreateQueue(ctx driver.ContextHandle, dev driver.DeviceHandle) driver.QueueHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.QueueHandle(d.handle())
	d.queues[h] = &queueObj{refObj: refObj{refs: 1}, context: ctx, device: dev}
	return h
}

// CreateProgram fabricates a compiled program.
func (d *Driver) CreateProgram() driver.ProgramHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.ProgramHandle(d.handle())
	d.programs[h] = &programObj{refObj: refObj{refs: 1}}
	return h
}

// PlaceGlobal reserves backing memory for a device global of the program and
// records it, mimicking what the instrumentation pass lays out at compile
// time.
func (d *Driver) PlaceGlobal(prog driver.ProgramHandle, name string, size, sizeWithRedzone uint64) (driver.GlobalVariable, error) {
	addr, err := d.heap.alloc(sizeWithRedzone, 16)
	if err != nil {
		return driver.GlobalVariable{}, err
	}
	g := driver.GlobalVariable{Name: name, Addr: addr, Size: size, SizeWithRedzone: sizeWithRedzone}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[prog]
	if !ok {
		return driver.GlobalVariable{}, driver.Errf(driver.CodeInvalidHandle, "PlaceGlobal", "program 0x%x", prog)
	}
	p.globals = append(p.globals, g)
	return g, nil
}

// CreateKernel fabricates a kernel of the program.
func (d *Driver) CreateKernel(prog driver.ProgramHandle, name string) driver.KernelHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.KernelHandle(d.handle())
	d.kernels[h] = &kernelObj{refObj: refObj{refs: 1}, program: prog, name: name}
	return h
}

// ---- retain/release

func retain(refs *int) error {
	*refs++
	return nil
}

func release(refs *int, destroy func()) error {
	*refs--
	if *refs <= 0 {
		destroy()
	}
	return nil
}

func (d *Driver) RetainAdapter(h driver.AdapterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.adapters[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "RetainAdapter", "0x%x", h)
	}
	return retain(&o.refs)
}

func (d *Driver) ReleaseAdapter(h driver.AdapterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.adapters[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "ReleaseAdapter", "0x%x", h)
	}
	return release(&o.refs, func() { delete(d.adapters, h) })
}

func (d *Driver) RetainContext(h driver.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.contexts[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "RetainContext", "0x%x", h)
	}
	return retain(&o.refs)
}

func (d *Driver) ReleaseContext(h driver.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.contexts[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "ReleaseContext", "0x%x", h)
	}
	return release(&o.refs, func() { delete(d.contexts, h) })
}

func (d *Driver) RetainQueue(h driver.QueueHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.queues[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "RetainQueue", "0x%x", h)
	}
	return retain(&o.refs)
}

func (d *Driver) ReleaseQueue(h driver.QueueHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.queues[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "ReleaseQueue", "0x%x", h)
	}
	return release(&o.refs, func() { delete(d.queues, h) })
}

func (d *Driver) RetainKernel(h driver.KernelHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.kernels[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "RetainKernel", "0x%x", h)
	}
	return retain(&o.refs)
}

func (d *Driver) ReleaseKernel(h driver.KernelHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.kernels[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "ReleaseKernel", "0x%x", h)
	}
	return release(&o.refs, func() { delete(d.kernels, h) })
}

func (d *Driver) RetainProgram(h driver.ProgramHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.programs[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "RetainProgram", "0x%x", h)
	}
	return retain(&o.refs)
}

func (d *Driver) ReleaseProgram(h driver.ProgramHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.programs[h]
	if !ok {
		return driver.Errf(driver.CodeInvalidHandle, "ReleaseProgram", "0x%x", h)
	}
	return release(&o.refs, func() { delete(d.programs, h) })
}

// ---- queries

func (d *Driver) ContextDevices(h driver.ContextHandle) ([]driver.DeviceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.contexts[h]
	if !ok {
		return nil, driver.Errf(driver.CodeInvalidHandle, "ContextDevices", "0x%x", h)
	}
	out := make([]driver.DeviceHandle, len(o.devices))
	copy(out, o.devices)
	return out, nil
}

func (d *Driver) DeviceDescriptor(h driver.DeviceHandle) (driver.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.devices[h]
	if !ok {
		return driver.DeviceDescriptor{}, driver.Errf(driver.CodeInvalidHandle, "DeviceDescriptor", "0x%x", h)
	}
	return o.desc, nil
}

func (d *Driver) QueueContext(h driver.QueueHandle) (driver.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.queues[h]
	if !ok {
		return 0, driver.Errf(driver.CodeInvalidHandle, "QueueContext", "0x%x", h)
	}
	return o.context, nil
}

func (d *Driver) QueueDevice(h driver.QueueHandle) (driver.DeviceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.queues[h]
	if !ok {
		return 0, driver.Errf(driver.CodeInvalidHandle, "QueueDevice", "0x%x", h)
	}
	return o.device, nil
}

func (d *Driver) KernelProgram(h driver.KernelHandle) (driver.ProgramHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.kernels[h]
	if !ok {
		return 0, driver.Errf(driver.CodeInvalidHandle, "KernelProgram", "0x%x", h)
	}
	return o.program, nil
}

func (d *Driver) KernelName(h driver.KernelHandle) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.kernels[h]
	if !ok {
		return "", driver.Errf(driver.CodeInvalidHandle, "KernelName", "0x%x", h)
	}
	return o.name, nil
}

func (d *Driver) ProgramGlobals(h driver.ProgramHandle, dev driver.DeviceHandle) ([]driver.GlobalVariable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.programs[h]
	if !ok {
		return nil, driver.Errf(driver.CodeInvalidHandle, "ProgramGlobals", "0x%x", h)
	}
	out := make([]driver.GlobalVariable, len(o.globals))
	copy(out, o.globals)
	return out, nil
}

// ---- memory

func (d *Driver) USMAlloc(ctx driver.ContextHandle, dev driver.DeviceHandle, props driver.AllocProps, pool driver.PoolHandle, size uint64) (uint64, error) {
	d.mu.Lock()
	_, ctxOK := d.contexts[ctx]
	devObj, devOK := d.devices[dev]
	d.mu.Unlock()
	if !ctxOK {
		return 0, driver.Errf(driver.CodeInvalidHandle, "USMAlloc", "context 0x%x", ctx)
	}
	if !devOK {
		return 0, driver.Errf(driver.CodeInvalidHandle, "USMAlloc", "device 0x%x", dev)
	}
	align := props.Alignment
	if align == 0 {
		align = devObj.desc.Alignment
	}
	return d.heap.alloc(size, align)
}

func (d *Driver) USMFree(ctx driver.ContextHandle, ptr uint64) error {
	return d.heap.release(ptr)
}

func (d *Driver) MemWrite(addr uint64, data []byte) error {
	if addr > math.MaxUint32 {
		return driver.Errf(driver.CodeInvalidArgument, "MemWrite", "address 0x%x outside 32-bit space", addr)
	}
	if !d.mem.Write(uint32(addr), data) {
		return driver.Errf(driver.CodeInvalidArgument, "MemWrite", "[0x%x,+%d) out of bounds", addr, len(data))
	}
	return nil
}

func (d *Driver) MemRead(addr uint64, n int) ([]byte, error) {
	if addr > math.MaxUint32 {
		return nil, driver.Errf(driver.CodeInvalidArgument, "MemRead", "address 0x%x outside 32-bit space", addr)
	}
	raw, ok := d.mem.Read(uint32(addr), uint32(n))
	if !ok {
		return nil, driver.Errf(driver.CodeInvalidArgument, "MemRead", "[0x%x,+%d) out of bounds", addr, n)
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

// ---- commands

func (d *Driver) EnqueueFill(q driver.QueueHandle, addr uint64, pattern byte, n uint64, dep driver.EventHandle) (driver.EventHandle, error) {
	d.mu.Lock()
	_, ok := d.queues[q]
	d.mu.Unlock()
	if !ok {
		return 0, driver.Errf(driver.CodeInvalidHandle, "EnqueueFill", "queue 0x%x", q)
	}
	// Host-synchronous execution: apply the fill now.
	buf := make([]byte, n)
	if pattern != 0 {
		for i := range buf {
			buf[i] = pattern
		}
	}
	if err := d.MemWrite(addr, buf); err != nil {
		return 0, err
	}
	return d.recordOp(q, FillOp{Addr: addr, Pattern: pattern, N: n, Dep: dep}), nil
}

func (d *Driver) EnqueueDependent(q driver.QueueHandle, dep driver.EventHandle) (driver.EventHandle, error) {
	d.mu.Lock()
	_, ok := d.queues[q]
	d.mu.Unlock()
	if !ok {
		return 0, driver.Errf(driver.CodeInvalidHandle, "EnqueueDependent", "queue 0x%x", q)
	}
	return d.recordOp(q, FillOp{Dep: dep, Barrier: true}), nil
}

func (d *Driver) recordOp(q driver.QueueHandle, op FillOp) driver.EventHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev := driver.EventHandle(d.handle())
	op.Event = ev
	d.eventDeps[ev] = op.Dep
	d.queueOps[q] = append(d.queueOps[q], op)
	return ev
}

// ---- shadow backing store

// AddressRange reports the flat linear-memory bounds visible to kernels.
func (d *Driver) AddressRange() (uint64, uint64) {
	return 0, d.MemSize()
}

func (d *Driver) ShadowReserve(dev driver.DeviceHandle, size uint64) (uint64, error) {
	base, err := d.heap.alloc(size, PageSize)
	if err != nil {
		return 0, err
	}
	// The span may recycle previously used memory; shadow starts clean.
	if err := d.MemWrite(base, make([]byte, size)); err != nil {
		return 0, err
	}
	return base, nil
}

func (d *Driver) ShadowRelease(dev driver.DeviceHandle, base uint64) error {
	return d.heap.release(base)
}

// ---- test inspection

// QueueOps returns the recorded command log for a queue.
func (d *Driver) QueueOps(q driver.QueueHandle) []FillOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FillOp, len(d.queueOps[q]))
	copy(out, d.queueOps[q])
	return out
}

// EventDep returns the dependency recorded for an event.
func (d *Driver) EventDep(ev driver.EventHandle) driver.EventHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eventDeps[ev]
}

// KernelAlive reports whether the kernel object still exists.
func (d *Driver) KernelAlive(h driver.KernelHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.kernels[h]
	return ok
}

// ProgramAlive reports whether the program object still exists.
func (d *Driver) ProgramAlive(h driver.ProgramHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.programs[h]
	return ok
}

// ContextAlive reports whether the context object still exists.
func (d *Driver) ContextAlive(h driver.ContextHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.contexts[h]
	return ok
}

// QueueAlive reports whether the queue object still exists.
func (d *Driver) QueueAlive(h driver.QueueHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queues[h]
	return ok
}

// AdapterRefs returns the adapter's reference count, 0 when destroyed.
func (d *Driver) AdapterRefs(h driver.AdapterHandle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.adapters[h]; ok {
		return o.refs
	}
	return 0
}

// Allocated reports whether ptr is a live allocation base.
func (d *Driver) Allocated(ptr uint64) bool {
	_, ok := d.heap.sizeOf(ptr)
	return ok
}
