package engine

import (
	"fmt"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/report"
	"github.com/devsan/devsan/internal/shadow"
)

// AllocateMemory services a USM allocation: the driver provides
// size + 2*redzone bytes, the record is indexed, and the user pointer
// (past the left redzone) is returned.  dev is zero for host USM.
func (in *Interceptor) AllocateMemory(ctx driver.ContextHandle, dev driver.DeviceHandle, kind allocmap.Kind, pool driver.PoolHandle, size uint64) (uint64, error) {
	ci, ok := in.contexts.lookup(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(ctx))
	}
	ai, err := in.allocate(ci, dev, kind, pool, size)
	if err != nil {
		return 0, err
	}
	return ai.UserBegin, nil
}

func (in *Interceptor) allocate(ci *ContextInfo, dev driver.DeviceHandle, kind allocmap.Kind, pool driver.PoolHandle, size uint64) (*allocmap.AllocInfo, error) {
	if size == 0 {
		return nil, driver.Errf(driver.CodeInvalidArgument, "alloc", "zero-size allocation")
	}
	usm, err := usmKindFor(kind)
	if err != nil {
		return nil, err
	}

	align := uint64(shadow.Granularity)
	if dev != 0 {
		di, ok := in.devices.lookup(dev)
		if !ok {
			return nil, fmt.Errorf("%w: device 0x%x", ErrNotFound, uint64(dev))
		}
		align = di.alignment()
	}
	rz := roundUp(in.opts.RedzoneSize, align)
	total := rz + roundUp(size, align) + rz

	base, err := in.drv.USMAlloc(ci.Handle, dev, driver.AllocProps{Kind: usm, Alignment: align}, pool, total)
	if err != nil {
		// Failed allocations leave no record behind.
		return nil, err
	}

	ai := &allocmap.AllocInfo{
		Base:            base,
		UserBegin:       base + rz,
		UserEnd:         base + rz + size,
		Size:            size,
		SizeWithRedzone: total,
		Kind:            kind,
		Context:         ci.Handle,
		Device:          dev,
		AllocOrigin:     allocmap.CaptureOrigin(2),
	}
	in.allocs.Insert(ai)

	targets := in.pendingTargets(ci, dev)
	ci.addPending(targets, ai)
	in.publishNow(targets, ai)

	ci.Stats.AllocCount.Add(1)
	ci.Stats.AllocatedBytes.Add(size)
	in.log.Verbosef("allocated %s of %d bytes at 0x%x (block [0x%x,0x%x))",
		kind, size, ai.UserBegin, ai.Base, ai.Base+ai.SizeWithRedzone)
	return ai, nil
}

// ReleaseMemory services a USM free of the pointer returned by
// AllocateMemory.  Frees of unknown, mid-allocation, or already-freed
// pointers are recorded as violations and rejected.
func (in *Interceptor) ReleaseMemory(ctx driver.ContextHandle, ptr uint64) error {
	ci, ok := in.contexts.lookup(ctx)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(ctx))
	}
	ai := in.allocs.FindByAddress(ptr)
	if ai == nil {
		v := in.recordFreeFault(report.TypeInvalidFree, ptr, nil)
		return fmt.Errorf("engine: %s at 0x%x", v.Type, ptr)
	}
	switch {
	case ai.Kind == allocmap.KindMemBuffer || ai.Kind == allocmap.KindDeviceGlobal:
		v := in.recordFreeFault(report.TypeInvalidFree, ptr, ai)
		return fmt.Errorf("engine: %s of %s at 0x%x", v.Type, ai.Kind, ptr)
	case ai.State() != allocmap.StateLive:
		v := in.recordFreeFault(report.TypeDoubleFree, ptr, ai)
		return fmt.Errorf("engine: %s at 0x%x", v.Type, ptr)
	case ptr != ai.UserBegin:
		v := in.recordFreeFault(report.TypeInvalidFree, ptr, ai)
		return fmt.Errorf("engine: %s, 0x%x is not the start of the allocation", v.Type, ptr)
	}

	ai.FreeOrigin = allocmap.CaptureOrigin(1)
	if err := in.releaseRecord(ci, ai); err != nil {
		return err
	}
	ci.Stats.FreeCount.Add(1)
	ci.Stats.AllocatedBytes.Add(^(ai.Size - 1))
	return nil
}

// releaseRecord moves a live record out of service: into quarantine when
// one is configured for the owning device, otherwise straight to freed
// with the backing memory returned to the driver.  Either way the whole
// redzone-extended range is poisoned as freed.
func (in *Interceptor) releaseRecord(ci *ContextInfo, ai *allocmap.AllocInfo) error {
	targets := in.pendingTargets(ci, ai.Device)

	di, haveDev := in.devices.lookup(ai.Device)
	if in.opts.QuarantineEnabled() && haveDev {
		ai.Advance(allocmap.StateQuarantined)
		ci.addPending(targets, ai)
		in.publishNow(targets, ai)
		ci.Stats.QuarantinedBytes.Add(ai.SizeWithRedzone)
		for _, old := range di.Quarantine.Put(ai) {
			in.evict(old)
		}
		in.log.Verbosef("quarantined block [0x%x,0x%x)", ai.Base, ai.Base+ai.SizeWithRedzone)
		return nil
	}

	ai.Advance(allocmap.StateFreed)
	ci.addPending(targets, ai)
	in.publishNow(targets, ai)
	if err := in.drv.USMFree(ai.Context, ai.Base); err != nil {
		return err
	}
	in.log.Verbosef("freed block [0x%x,0x%x)", ai.Base, ai.Base+ai.SizeWithRedzone)
	return nil
}

// evict moves a quarantined record to its terminal state and returns the
// backing memory.  The record stays in the allocation map so later
// accesses still classify as use-after-free.
func (in *Interceptor) evict(ai *allocmap.AllocInfo) {
	ai.Advance(allocmap.StateFreed)
	if ci, ok := in.contexts.lookup(ai.Context); ok {
		ci.Stats.QuarantinedBytes.Add(^(ai.SizeWithRedzone - 1))
	}
	if err := in.drv.USMFree(ai.Context, ai.Base); err != nil {
		in.log.Warnf("freeing evicted block [0x%x,0x%x): %v", ai.Base, ai.Base+ai.SizeWithRedzone, err)
	}
}

// pendingTargets lists the devices whose shadow must learn about a state
// change: the owning device, or every context device for host USM.
func (in *Interceptor) pendingTargets(ci *ContextInfo, dev driver.DeviceHandle) []driver.DeviceHandle {
	if dev != 0 {
		return []driver.DeviceHandle{dev}
	}
	return ci.Devices
}

// publishNow writes the record's shadow state host-side on every target
// device that already has a shadow region.  Devices without one pick the
// state up from the pending list at their next launch.
func (in *Interceptor) publishNow(targets []driver.DeviceHandle, ai *allocmap.AllocInfo) {
	for _, dev := range targets {
		di, ok := in.devices.lookup(dev)
		if !ok {
			continue
		}
		sm := di.Shadow()
		if sm == nil {
			continue
		}
		if err := writeAllocShadow(sm, ai); err != nil {
			in.log.Warnf("shadow update for [0x%x,0x%x) on device 0x%x: %v",
				ai.Base, ai.Base+ai.SizeWithRedzone, uint64(dev), err)
		}
	}
}

// writeAllocShadow publishes ai's current state into sm with host-side
// writes: live records get an addressable user range between poisoned
// redzones, everything else is poisoned end to end as freed.
func writeAllocShadow(sm *shadow.Memory, ai *allocmap.AllocInfo) error {
	if ai.State() != allocmap.StateLive {
		return sm.PoisonRange(ai.Base, ai.SizeWithRedzone, shadow.ValueFreed)
	}
	if err := sm.UnpoisonRange(ai.UserBegin, ai.Size); err != nil {
		return err
	}
	val := shadow.RedzoneValue(ai.Kind)
	if err := sm.PoisonRange(ai.Base, ai.UserBegin-ai.Base, val); err != nil {
		return err
	}
	return sm.PoisonRange(ai.UserEnd, ai.Base+ai.SizeWithRedzone-ai.UserEnd, val)
}

// FindAllocInfoByAddress resolves an address to the allocation record
// whose redzone-extended range covers it, live or not.
func (in *Interceptor) FindAllocInfoByAddress(addr uint64) *allocmap.AllocInfo {
	return in.allocs.FindByAddress(addr)
}

// FindAllocInfoByContext returns every record belonging to ctx, in
// address order.
func (in *Interceptor) FindAllocInfoByContext(ctx driver.ContextHandle) []*allocmap.AllocInfo {
	return in.allocs.FindAllByContext(ctx)
}

// DiagnoseAccess classifies a faulting access, records the violation, and
// logs the rendered report.  kernel and launchID are empty for host-side
// faults.
func (in *Interceptor) DiagnoseAccess(addr, size uint64, op, kernel, launchID string) report.Violation {
	ai := in.allocs.FindByAddress(addr)
	v := report.Violation{
		Type:      report.Classify(ai, addr),
		Address:   addr,
		Size:      size,
		Operation: op,
		Kernel:    kernel,
		LaunchID:  launchID,
		Alloc:     ai,
	}
	if ai != nil {
		if v.Type == report.TypeUseAfterFree {
			v.Origin = ai.FreeOrigin
		} else {
			v.Origin = ai.AllocOrigin
		}
	}
	v = in.rec.Record(v)
	in.log.Errorf("%s", v.Format())
	return v
}

func (in *Interceptor) recordFreeFault(t report.Type, addr uint64, ai *allocmap.AllocInfo) report.Violation {
	v := report.Violation{
		Type:      t,
		Address:   addr,
		Operation: "free",
		Alloc:     ai,
	}
	if ai != nil {
		if t == report.TypeDoubleFree {
			v.Origin = ai.FreeOrigin
		} else {
			v.Origin = ai.AllocOrigin
		}
	}
	v = in.rec.Record(v)
	in.log.Errorf("%s", v.Format())
	return v
}

func usmKindFor(kind allocmap.Kind) (driver.USMKind, error) {
	switch kind {
	case allocmap.KindDeviceUSM, allocmap.KindMemBuffer:
		return driver.USMDevice, nil
	case allocmap.KindHostUSM:
		return driver.USMHost, nil
	case allocmap.KindSharedUSM:
		return driver.USMShared, nil
	default:
		return 0, driver.Errf(driver.CodeInvalidArgument, "alloc", "kind %s is not allocatable", kind)
	}
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
