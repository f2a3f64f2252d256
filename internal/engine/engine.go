// Package engine is the bookkeeping core of the sanitizer: it shadows the
// driver's object lifecycles, owns every allocation record, and publishes
// shadow-memory state to devices at kernel-launch boundaries.
//
// Lock ordering: a registry lock is never held while taking another lock;
// a queue's event cell may be held while taking a context's pending-list
// lock, never the reverse; the allocation map's lock nests innermost.
package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/debuglog"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/guard"
	"github.com/devsan/devsan/internal/options"
	"github.com/devsan/devsan/internal/quarantine"
	"github.com/devsan/devsan/internal/report"
)

// Interceptor owns all sanitizer state for one driver instance.
type Interceptor struct {
	drv  driver.Driver
	opts *options.Options
	log  *debuglog.Logger
	rec  *report.Recorder

	contexts *registry[driver.ContextHandle, *ContextInfo]
	devices  *registry[driver.DeviceHandle, *DeviceInfo]
	queues   *registry[driver.QueueHandle, *QueueInfo]
	kernels  *registry[driver.KernelHandle, *KernelInfo]
	programs *registry[driver.ProgramHandle, *ProgramInfo]
	buffers  *registry[driver.MemHandle, *MemBuffer]

	allocs *allocmap.Map

	adapters guard.Cell[map[driver.AdapterHandle]struct{}]
}

// New builds an Interceptor over drv.  A nil opts means defaults; a nil
// log means a logger at the level opts selects, writing to stderr.
func New(drv driver.Driver, opts *options.Options, log *debuglog.Logger) *Interceptor {
	if opts == nil {
		opts = options.Default()
	}
	if log == nil {
		log = debuglog.New(debuglog.ParseLevel(opts.Debug), os.Stderr)
	}
	return &Interceptor{
		drv:      drv,
		opts:     opts,
		log:      log,
		rec:      report.NewRecorder(),
		contexts: newRegistry[driver.ContextHandle, *ContextInfo](),
		devices:  newRegistry[driver.DeviceHandle, *DeviceInfo](),
		queues:   newRegistry[driver.QueueHandle, *QueueInfo](),
		kernels:  newRegistry[driver.KernelHandle, *KernelInfo](),
		programs: newRegistry[driver.ProgramHandle, *ProgramInfo](),
		buffers:  newRegistry[driver.MemHandle, *MemBuffer](),
		allocs:   allocmap.NewMap(),
	}
}

// Options returns the resolved engine configuration.
func (in *Interceptor) Options() *options.Options { return in.opts }

// Recorder returns the violation recorder.
func (in *Interceptor) Recorder() *report.Recorder { return in.rec }

// HoldAdapter takes one engine-owned reference on the adapter so it
// outlives the application's own releases.  Idempotent per adapter.
func (in *Interceptor) HoldAdapter(a driver.AdapterHandle) error {
	var err error
	in.adapters.With(func(m *map[driver.AdapterHandle]struct{}) {
		if *m == nil {
			*m = make(map[driver.AdapterHandle]struct{})
		}
		if _, held := (*m)[a]; held {
			return
		}
		if err = in.drv.RetainAdapter(a); err != nil {
			return
		}
		(*m)[a] = struct{}{}
	})
	return err
}

// Close releases held adapter references, the driver references owned by
// the remaining records, and every reserved shadow region.  The
// interceptor must not be used afterwards.
func (in *Interceptor) Close() error {
	var errs []error
	in.adapters.With(func(m *map[driver.AdapterHandle]struct{}) {
		for a := range *m {
			if err := in.drv.ReleaseAdapter(a); err != nil {
				errs = append(errs, err)
			}
		}
		*m = nil
	})
	for _, qi := range in.queues.snapshot() {
		if _, err := in.queues.erase(qi.Handle); err == nil {
			if err := in.drv.ReleaseQueue(qi.Handle); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, ki := range in.kernels.snapshot() {
		if _, err := in.kernels.erase(ki.Handle); err == nil {
			if err := in.drv.ReleaseKernel(ki.Handle); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, pi := range in.programs.snapshot() {
		if _, err := in.programs.erase(pi.Handle); err == nil {
			if err := in.drv.ReleaseProgram(pi.Handle); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, ci := range in.contexts.snapshot() {
		if _, err := in.contexts.erase(ci.Handle); err == nil {
			if err := in.drv.ReleaseContext(ci.Handle); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, di := range in.devices.snapshot() {
		if err := di.releaseShadow(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---- contexts and devices

// InsertContext records a freshly created context and the devices it
// spans.  Devices are registered on first sight.  The record holds its
// own driver reference until it is erased.
func (in *Interceptor) InsertContext(h driver.ContextHandle) error {
	devs, err := in.drv.ContextDevices(h)
	if err != nil {
		return err
	}
	for _, d := range devs {
		if _, err := in.ensureDevice(d); err != nil {
			return err
		}
	}
	if err := in.contexts.insert(h, newContextInfo(h, devs)); err != nil {
		return err
	}
	in.mustRetain(in.drv.RetainContext(h), "context", uint64(h))
	return nil
}

// EraseContext drops the context record regardless of its reference
// count, giving up the record's own driver reference.  Used when the
// context is destroyed out of band.
func (in *Interceptor) EraseContext(h driver.ContextHandle) error {
	if _, err := in.contexts.erase(h); err != nil {
		return err
	}
	return in.drv.ReleaseContext(h)
}

// RetainContext mirrors the application's retain into the driver and the
// engine's count.
func (in *Interceptor) RetainContext(h driver.ContextHandle) error {
	ci, ok := in.contexts.lookup(h)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(h))
	}
	in.mustRetain(in.drv.RetainContext(h), "context", uint64(h))
	ci.refs.Add(1)
	return nil
}

// ReleaseContext mirrors the application's release.  When the count hits
// zero the engine record is dropped; the driver destroys the context.
func (in *Interceptor) ReleaseContext(h driver.ContextHandle) error {
	ci, ok := in.contexts.lookup(h)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(h))
	}
	if err := in.drv.ReleaseContext(h); err != nil {
		return err
	}
	switch n := ci.refs.Add(-1); {
	case n == 0:
		if _, err := in.contexts.erase(h); err != nil {
			return err
		}
		return in.drv.ReleaseContext(h)
	case n < 0:
		panic(fmt.Sprintf("engine: release of context 0x%x below zero", uint64(h)))
	}
	return nil
}

// ContextInfoOf returns the record for a registered context.
func (in *Interceptor) ContextInfoOf(h driver.ContextHandle) (*ContextInfo, bool) {
	return in.contexts.lookup(h)
}

// ensureDevice registers dev on first sight, reading its descriptor and
// giving it a quarantine sized from the engine options.
func (in *Interceptor) ensureDevice(dev driver.DeviceHandle) (*DeviceInfo, error) {
	return in.devices.getOrInsert(dev, func() (*DeviceInfo, error) {
		desc, err := in.drv.DeviceDescriptor(dev)
		if err != nil {
			return nil, err
		}
		return &DeviceInfo{
			Handle:     dev,
			Desc:       desc,
			Quarantine: quarantine.New(in.opts.MaxQuarantineBytes, in.opts.MaxQuarantineCount),
		}, nil
	})
}

// InsertDevice registers a device ahead of any context that spans it.
// Devices seen through InsertContext are registered implicitly.
func (in *Interceptor) InsertDevice(dev driver.DeviceHandle) error {
	_, err := in.ensureDevice(dev)
	return err
}

// DeviceInfoOf returns the record for a registered device.
func (in *Interceptor) DeviceInfoOf(dev driver.DeviceHandle) (*DeviceInfo, bool) {
	return in.devices.lookup(dev)
}

// EraseDevice unregisters a device: its quarantine is flushed, freeing
// the backing memory of every held record, and its shadow is released.
func (in *Interceptor) EraseDevice(dev driver.DeviceHandle) error {
	di, err := in.devices.erase(dev)
	if err != nil {
		return err
	}
	for _, old := range di.Quarantine.Drain() {
		in.evict(old)
	}
	return di.releaseShadow()
}

// ---- queues

// queueInfo returns the queue record, creating it when the queue is first
// observed.  The record retains the queue so shadow commands outlive the
// application's own references; the retain is released by EraseQueue or
// Close.
func (in *Interceptor) queueInfo(q driver.QueueHandle) (*QueueInfo, error) {
	return in.queues.getOrInsert(q, func() (*QueueInfo, error) {
		ctx, err := in.drv.QueueContext(q)
		if err != nil {
			return nil, err
		}
		dev, err := in.drv.QueueDevice(q)
		if err != nil {
			return nil, err
		}
		in.mustRetain(in.drv.RetainQueue(q), "queue", uint64(q))
		return &QueueInfo{Handle: q, Context: ctx, Device: dev}, nil
	})
}

// QueueInfoOf returns the record for an already-observed queue.
func (in *Interceptor) QueueInfoOf(q driver.QueueHandle) (*QueueInfo, bool) {
	return in.queues.lookup(q)
}

// EraseQueue drops the record for a destroyed queue, giving up the
// record's driver reference.
func (in *Interceptor) EraseQueue(q driver.QueueHandle) error {
	if _, err := in.queues.erase(q); err != nil {
		return err
	}
	return in.drv.ReleaseQueue(q)
}

// ---- kernels

// InsertKernel records a freshly created kernel.  The record holds its
// own driver reference until it is erased.
func (in *Interceptor) InsertKernel(h driver.KernelHandle) error {
	if err := in.kernels.insert(h, newKernelInfo(h)); err != nil {
		return err
	}
	in.mustRetain(in.drv.RetainKernel(h), "kernel", uint64(h))
	return nil
}

// EraseKernel drops the kernel record regardless of its reference count,
// giving up the record's driver reference.
func (in *Interceptor) EraseKernel(h driver.KernelHandle) error {
	if _, err := in.kernels.erase(h); err != nil {
		return err
	}
	return in.drv.ReleaseKernel(h)
}

// RetainKernel mirrors the application's retain.
func (in *Interceptor) RetainKernel(h driver.KernelHandle) error {
	ki, ok := in.kernels.lookup(h)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(h))
	}
	in.mustRetain(in.drv.RetainKernel(h), "kernel", uint64(h))
	ki.refs.Add(1)
	return nil
}

// ReleaseKernel mirrors the application's release, dropping the record at
// zero.
func (in *Interceptor) ReleaseKernel(h driver.KernelHandle) error {
	ki, ok := in.kernels.lookup(h)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(h))
	}
	if err := in.drv.ReleaseKernel(h); err != nil {
		return err
	}
	switch n := ki.refs.Add(-1); {
	case n == 0:
		if _, err := in.kernels.erase(h); err != nil {
			return err
		}
		return in.drv.ReleaseKernel(h)
	case n < 0:
		panic(fmt.Sprintf("engine: release of kernel 0x%x below zero", uint64(h)))
	}
	return nil
}

// KernelInfoOf returns the record for a registered kernel.
func (in *Interceptor) KernelInfoOf(h driver.KernelHandle) (*KernelInfo, bool) {
	return in.kernels.lookup(h)
}

// SetKernelArgBuffer binds the registered memory buffer mem as kernel
// argument index.
func (in *Interceptor) SetKernelArgBuffer(k driver.KernelHandle, index uint32, mem driver.MemHandle) error {
	ki, ok := in.kernels.lookup(k)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(k))
	}
	mb, ok := in.buffers.lookup(mem)
	if !ok {
		return fmt.Errorf("%w: memory buffer 0x%x", ErrNotFound, uint64(mem))
	}
	ki.SetBufferArg(index, mb)
	return nil
}

// SetKernelArgPointer binds a raw device pointer as kernel argument
// index.
func (in *Interceptor) SetKernelArgPointer(k driver.KernelHandle, index uint32, addr uint64) error {
	ki, ok := in.kernels.lookup(k)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(k))
	}
	ki.SetPointerArg(index, addr)
	return nil
}

// SetKernelArgLocal binds a local-memory argument of the given size as
// kernel argument index.
func (in *Interceptor) SetKernelArgLocal(k driver.KernelHandle, index uint32, size uint64) error {
	ki, ok := in.kernels.lookup(k)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(k))
	}
	ki.SetLocalArg(index, size)
	return nil
}

// ---- programs

// InsertProgram records a freshly created program.  The record holds its
// own driver reference until it is erased.
func (in *Interceptor) InsertProgram(h driver.ProgramHandle) error {
	if err := in.programs.insert(h, newProgramInfo(h)); err != nil {
		return err
	}
	in.mustRetain(in.drv.RetainProgram(h), "program", uint64(h))
	return nil
}

// EraseProgram drops the program record regardless of its reference
// count, giving up the record's driver reference.
func (in *Interceptor) EraseProgram(h driver.ProgramHandle) error {
	if _, err := in.programs.erase(h); err != nil {
		return err
	}
	return in.drv.ReleaseProgram(h)
}

// RetainProgram mirrors the application's retain.
func (in *Interceptor) RetainProgram(h driver.ProgramHandle) error {
	pi, ok := in.programs.lookup(h)
	if !ok {
		return fmt.Errorf("%w: program 0x%x", ErrNotFound, uint64(h))
	}
	in.mustRetain(in.drv.RetainProgram(h), "program", uint64(h))
	pi.refs.Add(1)
	return nil
}

// ReleaseProgram mirrors the application's release, dropping the record
// at zero.
func (in *Interceptor) ReleaseProgram(h driver.ProgramHandle) error {
	pi, ok := in.programs.lookup(h)
	if !ok {
		return fmt.Errorf("%w: program 0x%x", ErrNotFound, uint64(h))
	}
	if err := in.drv.ReleaseProgram(h); err != nil {
		return err
	}
	switch n := pi.refs.Add(-1); {
	case n == 0:
		if _, err := in.programs.erase(h); err != nil {
			return err
		}
		return in.drv.ReleaseProgram(h)
	case n < 0:
		panic(fmt.Sprintf("engine: release of program 0x%x below zero", uint64(h)))
	}
	return nil
}

// trackProgram returns the program record, creating it with its own
// driver reference when the program was never inserted explicitly.
func (in *Interceptor) trackProgram(h driver.ProgramHandle) (*ProgramInfo, error) {
	return in.programs.getOrInsert(h, func() (*ProgramInfo, error) {
		in.mustRetain(in.drv.RetainProgram(h), "program", uint64(h))
		return newProgramInfo(h), nil
	})
}

// RegisterProgram registers a built program's device globals on every
// device of ctx.  Creating the program record on the fly makes this
// idempotent with InsertProgram.
func (in *Interceptor) RegisterProgram(ctx driver.ContextHandle, h driver.ProgramHandle) error {
	ci, ok := in.contexts.lookup(ctx)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(ctx))
	}
	pi, err := in.trackProgram(h)
	if err != nil {
		return err
	}
	for _, dev := range ci.Devices {
		di, ok := in.devices.lookup(dev)
		if !ok {
			return fmt.Errorf("%w: device 0x%x", ErrNotFound, uint64(dev))
		}
		if err := in.registerGlobals(pi, ci, di); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterProgram retires the program's device globals: their records
// move to the freed state and their ranges are poisoned on next launch.
func (in *Interceptor) UnregisterProgram(h driver.ProgramHandle) error {
	pi, ok := in.programs.lookup(h)
	if !ok {
		return fmt.Errorf("%w: program 0x%x", ErrNotFound, uint64(h))
	}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	for _, ai := range pi.globals {
		if ai.State() != allocmap.StateLive {
			continue
		}
		ai.Advance(allocmap.StateFreed)
		if ci, ok := in.contexts.lookup(ai.Context); ok {
			ci.addPending([]driver.DeviceHandle{ai.Device}, ai)
		}
	}
	return nil
}

// registerGlobals creates the allocation records for the program's
// globals on one device, at most once per program and device.
func (in *Interceptor) registerGlobals(pi *ProgramInfo, ci *ContextInfo, di *DeviceInfo) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.globalsDone[di.Handle] {
		return nil
	}
	globals, err := in.drv.ProgramGlobals(pi.Handle, di.Handle)
	if err != nil {
		return err
	}
	for _, g := range globals {
		// Globals carry only a trailing redzone: the instrumentation
		// pass reserves the extra bytes after the variable.
		ai := &allocmap.AllocInfo{
			Base:            g.Addr,
			UserBegin:       g.Addr,
			UserEnd:         g.Addr + g.Size,
			Size:            g.Size,
			SizeWithRedzone: g.SizeWithRedzone,
			Kind:            allocmap.KindDeviceGlobal,
			Context:         ci.Handle,
			Device:          di.Handle,
		}
		in.allocs.Insert(ai)
		pi.globals = append(pi.globals, ai)
		ci.addPending([]driver.DeviceHandle{di.Handle}, ai)
		in.log.Verbosef("registered device global %q at 0x%x size %d on device 0x%x",
			g.Name, g.Addr, g.Size, uint64(di.Handle))
	}
	pi.globalsDone[di.Handle] = true
	return nil
}

// ---- memory buffers

// InsertMemBuffer records a created buffer and gives it redzone-extended
// backing memory on dev.
func (in *Interceptor) InsertMemBuffer(ctx driver.ContextHandle, dev driver.DeviceHandle, h driver.MemHandle, size uint64) error {
	ci, ok := in.contexts.lookup(ctx)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(ctx))
	}
	ai, err := in.allocate(ci, dev, allocmap.KindMemBuffer, 0, size)
	if err != nil {
		return err
	}
	if err := in.buffers.insert(h, &MemBuffer{Handle: h, Size: size, Alloc: ai}); err != nil {
		in.releaseRecord(ci, ai)
		return err
	}
	return nil
}

// GetMemBuffer returns the record for a registered buffer.
func (in *Interceptor) GetMemBuffer(h driver.MemHandle) (*MemBuffer, bool) {
	return in.buffers.lookup(h)
}

// EraseMemBuffer drops the buffer record and releases its backing
// allocation through the normal free path, quarantine included.
func (in *Interceptor) EraseMemBuffer(h driver.MemHandle) error {
	mb, err := in.buffers.erase(h)
	if err != nil {
		return err
	}
	ci, ok := in.contexts.lookup(mb.Alloc.Context)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(mb.Alloc.Context))
	}
	mb.Alloc.FreeOrigin = allocmap.CaptureOrigin(1)
	return in.releaseRecord(ci, mb.Alloc)
}

// mustRetain panics on a failed driver retain: the handle was validated
// by the lookup that preceded it, so a failure means the engine's view of
// the driver has diverged.
func (in *Interceptor) mustRetain(err error, what string, h uint64) {
	if err != nil {
		panic(fmt.Sprintf("engine: driver retain of %s 0x%x failed: %v", what, h, err))
	}
}
