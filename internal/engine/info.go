package engine

import (
	"sync"
	"sync/atomic"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/guard"
	"github.com/devsan/devsan/internal/quarantine"
	"github.com/devsan/devsan/internal/shadow"
)

// ContextStats counts a context's allocation traffic.  All fields are
// atomic; readers see a possibly-torn but monotone view.
type ContextStats struct {
	AllocCount       atomic.Uint64
	FreeCount        atomic.Uint64
	AllocatedBytes   atomic.Uint64 // user bytes currently live
	QuarantinedBytes atomic.Uint64 // redzone-extended bytes held in quarantine
}

// ContextInfo is the engine's record for one driver context.  The pending
// lists hold allocation records whose shadow state has not yet been
// published to a device; they are drained into queue commands at kernel
// launch.
type ContextInfo struct {
	Handle  driver.ContextHandle
	Devices []driver.DeviceHandle

	Stats ContextStats

	refs    atomic.Int32
	pending guard.RW[map[driver.DeviceHandle][]*allocmap.AllocInfo]
}

func newContextInfo(h driver.ContextHandle, devs []driver.DeviceHandle) *ContextInfo {
	ci := &ContextInfo{Handle: h, Devices: devs}
	ci.refs.Store(1)
	return ci
}

// addPending queues ai for shadow publication on each listed device.
func (c *ContextInfo) addPending(devs []driver.DeviceHandle, ai *allocmap.AllocInfo) {
	c.pending.Write(func(m *map[driver.DeviceHandle][]*allocmap.AllocInfo) {
		if *m == nil {
			*m = make(map[driver.DeviceHandle][]*allocmap.AllocInfo)
		}
		for _, d := range devs {
			(*m)[d] = append((*m)[d], ai)
		}
	})
}

// drainPending takes and clears the pending list for dev.
func (c *ContextInfo) drainPending(dev driver.DeviceHandle) []*allocmap.AllocInfo {
	var out []*allocmap.AllocInfo
	c.pending.Write(func(m *map[driver.DeviceHandle][]*allocmap.AllocInfo) {
		out = (*m)[dev]
		delete(*m, dev)
	})
	return out
}

// requeuePending puts drained-but-unflushed records back at the head of
// dev's pending list, ahead of anything queued since the drain.
func (c *ContextInfo) requeuePending(dev driver.DeviceHandle, ais []*allocmap.AllocInfo) {
	if len(ais) == 0 {
		return
	}
	c.pending.Write(func(m *map[driver.DeviceHandle][]*allocmap.AllocInfo) {
		if *m == nil {
			*m = make(map[driver.DeviceHandle][]*allocmap.AllocInfo)
		}
		(*m)[dev] = append(ais[:len(ais):len(ais)], (*m)[dev]...)
	})
}

// pendingLen reports how many records await publication on dev.
func (c *ContextInfo) pendingLen(dev driver.DeviceHandle) int {
	n := 0
	c.pending.Read(func(m *map[driver.DeviceHandle][]*allocmap.AllocInfo) {
		n = len((*m)[dev])
	})
	return n
}

// DeviceInfo is the engine's record for one device: its descriptor, its
// quarantine, and its lazily reserved shadow region.
type DeviceInfo struct {
	Handle driver.DeviceHandle
	Desc   driver.DeviceDescriptor

	Quarantine *quarantine.Cache

	mu     sync.Mutex
	shadow *shadow.Memory
}

// ensureShadow reserves the device's shadow region on first use.
func (d *DeviceInfo) ensureShadow(drv driver.Driver) (*shadow.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shadow != nil {
		return d.shadow, nil
	}
	low, high := drv.AddressRange()
	sm, err := shadow.Reserve(drv, d.Handle, d.Desc, low, high)
	if err != nil {
		return nil, err
	}
	d.shadow = sm
	return sm, nil
}

// Shadow returns the device's shadow region, or nil if none has been
// reserved yet.
func (d *DeviceInfo) Shadow() *shadow.Memory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shadow
}

func (d *DeviceInfo) releaseShadow() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shadow == nil {
		return nil
	}
	err := d.shadow.Release()
	d.shadow = nil
	return err
}

// alignment is the allocation alignment for this device, never smaller
// than the shadow granularity so user bases stay granule-aligned.
func (d *DeviceInfo) alignment() uint64 {
	if d.Desc.Alignment > shadow.Granularity {
		return d.Desc.Alignment
	}
	return shadow.Granularity
}

// QueueInfo tracks the tail of one queue's command chain.  Every shadow
// command the engine enqueues depends on the previous tail, so shadow
// mutations on a queue are totally ordered.
type QueueInfo struct {
	Handle  driver.QueueHandle
	Context driver.ContextHandle
	Device  driver.DeviceHandle

	last guard.Cell[driver.EventHandle]
}

// LastEvent returns the current tail event of the queue's shadow chain.
func (q *QueueInfo) LastEvent() driver.EventHandle {
	return q.last.Load()
}
