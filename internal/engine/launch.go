package engine

import (
	"fmt"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/payload"
	"github.com/devsan/devsan/internal/shadow"
)

// PreLaunchKernel prepares a kernel enqueue: it reserves the device's
// shadow on first use, registers the program's globals, stages the launch
// payload into device memory, and flushes the context's pending shadow
// state as commands ordered on q's chain.  The caller enqueues the kernel
// itself after this returns, depending on qi.LastEvent().
func (in *Interceptor) PreLaunchKernel(k driver.KernelHandle, q driver.QueueHandle, li *LaunchInfo) error {
	ki, ok := in.kernels.lookup(k)
	if !ok {
		return fmt.Errorf("%w: kernel 0x%x", ErrNotFound, uint64(k))
	}
	qi, err := in.queueInfo(q)
	if err != nil {
		return err
	}
	ci, ok := in.contexts.lookup(qi.Context)
	if !ok {
		return fmt.Errorf("%w: context 0x%x", ErrNotFound, uint64(qi.Context))
	}
	di, ok := in.devices.lookup(qi.Device)
	if !ok {
		return fmt.Errorf("%w: device 0x%x", ErrNotFound, uint64(qi.Device))
	}
	li.Context, li.Device, li.Queue = qi.Context, qi.Device, q

	sm, err := di.ensureShadow(in.drv)
	if err != nil {
		return err
	}

	if ph, err := in.drv.KernelProgram(k); err == nil && ph != 0 {
		pi, err := in.trackProgram(ph)
		if err != nil {
			return err
		}
		if err := in.registerGlobals(pi, ci, di); err != nil {
			return err
		}
	}

	name, err := ki.Name(in.drv)
	if err != nil {
		return err
	}
	p := in.buildPayload(ki, li, sm, name)
	data, err := p.Encode()
	if err != nil {
		return err
	}
	addr, err := in.drv.USMAlloc(qi.Context, qi.Device, driver.AllocProps{}, 0, uint64(len(data)))
	if err != nil {
		return err
	}
	if err := in.drv.MemWrite(addr, data); err != nil {
		in.drv.USMFree(qi.Context, addr)
		return err
	}
	li.Data, li.Payload = addr, p

	if err := in.flushPending(ci, di, qi, sm); err != nil {
		return err
	}
	in.log.Infof("launch %s: kernel %q on queue 0x%x, payload %d bytes at 0x%x",
		li.ID, name, uint64(q), len(data), addr)
	return nil
}

// PostLaunchKernel closes out a launch: the queue chain is extended past
// the kernel with a barrier command, and the staged payload is released.
func (in *Interceptor) PostLaunchKernel(k driver.KernelHandle, q driver.QueueHandle, li *LaunchInfo) error {
	qi, ok := in.queues.lookup(q)
	if !ok {
		return fmt.Errorf("%w: queue 0x%x", ErrNotFound, uint64(q))
	}
	err := qi.last.WithE(func(last *driver.EventHandle) error {
		ev, err := in.drv.EnqueueDependent(q, *last)
		if err != nil {
			return err
		}
		*last = ev
		return nil
	})
	if err != nil {
		return err
	}
	if li.Data != 0 {
		if err := in.drv.USMFree(li.Context, li.Data); err != nil {
			return err
		}
		li.Data = 0
	}
	return nil
}

// flushPending drains the context's pending records for the queue's
// device into shadow commands chained on the queue's tail event.  On a
// command failure the unflushed remainder goes back on the pending list,
// so its shadow state is published by a later launch.
func (in *Interceptor) flushPending(ci *ContextInfo, di *DeviceInfo, qi *QueueInfo, sm *shadow.Memory) error {
	return qi.last.WithE(func(last *driver.EventHandle) error {
		pending := ci.drainPending(di.Handle)
		for i, ai := range pending {
			ev, err := in.enqueueAllocShadow(sm, qi.Handle, ai, *last)
			if err != nil {
				ci.requeuePending(di.Handle, pending[i:])
				return err
			}
			*last = ev
		}
		return nil
	})
}

// enqueueAllocShadow is writeAllocShadow as queue commands ordered after
// dep, returning the terminal event of the sequence.
func (in *Interceptor) enqueueAllocShadow(sm *shadow.Memory, q driver.QueueHandle, ai *allocmap.AllocInfo, dep driver.EventHandle) (driver.EventHandle, error) {
	if ai.State() != allocmap.StateLive {
		return sm.EnqueuePoisonRange(q, dep, ai.Base, ai.SizeWithRedzone, shadow.ValueFreed)
	}
	ev, err := sm.EnqueueUnpoisonRange(q, dep, ai.UserBegin, ai.Size)
	if err != nil {
		return dep, err
	}
	val := shadow.RedzoneValue(ai.Kind)
	ev, err = sm.EnqueuePoisonRange(q, ev, ai.Base, ai.UserBegin-ai.Base, val)
	if err != nil {
		return dep, err
	}
	return sm.EnqueuePoisonRange(q, ev, ai.UserEnd, ai.Base+ai.SizeWithRedzone-ai.UserEnd, val)
}

// buildPayload assembles the device-visible launch descriptor from the
// kernel's argument bindings and the engine options.
func (in *Interceptor) buildPayload(ki *KernelInfo, li *LaunchInfo, sm *shadow.Memory, name string) *payload.LaunchPayload {
	buffers, pointers, ptrIdx, locals := ki.args()

	p := &payload.LaunchPayload{
		LaunchID:     li.ID,
		KernelName:   name,
		WorkDim:      li.WorkDim,
		GlobalSize:   li.GlobalSize,
		LocalSize:    li.LocalSize,
		GlobalOffset: li.GlobalOffset,
		ShadowBase:   sm.Base,
		ShadowSize:   sm.Size,
		AppLow:       sm.AppLow,
		BufferArgs:   buffers,
	}
	if in.opts.DetectLocals {
		rz := roundUp(in.opts.RedzoneSize, shadow.Granularity)
		for i := range locals {
			locals[i].SizeWithRedzone = roundUp(locals[i].Size, shadow.Granularity) + rz
		}
		p.LocalArgs = locals
	}
	if in.opts.DetectKernelArguments {
		for i, pa := range pointers {
			p.PointerArgs = append(p.PointerArgs, payload.PointerArg{Index: ptrIdx[i], Addr: pa.Addr})
		}
	}
	return p
}
