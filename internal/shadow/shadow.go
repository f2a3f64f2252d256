// Package shadow maintains the per-device shadow address space.  One shadow
// byte encodes the validity of one 8-byte granule of the real address space:
// zero means fully addressable, 1..7 means that many leading bytes are
// addressable, and values >= 0x80 are poison kinds identifying why the
// granule must not be touched.
package shadow

import (
	"errors"
	"fmt"

	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
)

// Shadow granularity: one shadow byte per 8 application bytes.
const (
	GranularityShift = 3
	Granularity      = 1 << GranularityShift
)

// Shadow byte encodings.
const (
	ValueAddressable byte = 0x00

	ValueDeviceRedzone       byte = 0x81
	ValueHostRedzone         byte = 0x82
	ValueSharedRedzone       byte = 0x83
	ValueMemBufferRedzone    byte = 0x84
	ValueDeviceGlobalRedzone byte = 0x85
	ValueFreed               byte = 0x86
)

// IsPoison reports whether a shadow byte marks its granule unreadable.
func IsPoison(b byte) bool { return b >= 0x80 }

// RedzoneValue returns the poison encoding for the redzones of an allocation
// kind.
func RedzoneValue(kind allocmap.Kind) byte {
	switch kind {
	case allocmap.KindHostUSM:
		return ValueHostRedzone
	case allocmap.KindSharedUSM:
		return ValueSharedRedzone
	case allocmap.KindMemBuffer:
		return ValueMemBufferRedzone
	case allocmap.KindDeviceGlobal:
		return ValueDeviceGlobalRedzone
	default:
		return ValueDeviceRedzone
	}
}

// ErrOutOfShadowMemory is returned when the shadow backing store for a
// device cannot be reserved or is exhausted.
var ErrOutOfShadowMemory = errors.New("shadow: out of shadow memory")

// Memory is one device's shadow region.  It covers the application range
// [AppLow, AppHigh); addresses outside it cannot be poisoned or checked.
type Memory struct {
	Device driver.DeviceHandle
	Type   driver.DeviceType

	Base uint64 // shadow region base in the flat address space
	Size uint64

	AppLow  uint64
	AppHigh uint64

	drv driver.Driver
}

// Reserve maps the shadow backing store for dev covering [appLow, appHigh).
// appLow is rounded down to a granule boundary: shadow indexing assigns one
// byte per granule relative to AppLow, so an unaligned base would shift
// every translation off by a partial granule.  The driver zero-fills the
// region, so all covered memory starts fully addressable until the engine
// poisons it.
func Reserve(drv driver.Driver, dev driver.DeviceHandle, desc driver.DeviceDescriptor, appLow, appHigh uint64) (*Memory, error) {
	appLow &^= uint64(Granularity - 1)
	if appHigh <= appLow {
		return nil, fmt.Errorf("shadow: empty application range [0x%x,0x%x)", appLow, appHigh)
	}
	size := (appHigh - appLow + Granularity - 1) >> GranularityShift
	base, err := drv.ShadowReserve(dev, size)
	if err != nil {
		return nil, fmt.Errorf("%w: reserving %d bytes for device 0x%x: %v",
			ErrOutOfShadowMemory, size, dev, err)
	}
	return &Memory{
		Device:  dev,
		Type:    desc.Type,
		Base:    base,
		Size:    size,
		AppLow:  appLow,
		AppHigh: appHigh,
		drv:     drv,
	}, nil
}

// Release unmaps the shadow backing store.
func (m *Memory) Release() error {
	return m.drv.ShadowRelease(m.Device, m.Base)
}

// ShadowOf translates an application address to its shadow byte address.
func (m *Memory) ShadowOf(addr uint64) (uint64, error) {
	if addr < m.AppLow || addr >= m.AppHigh {
		return 0, fmt.Errorf("shadow: address 0x%x outside covered range [0x%x,0x%x)",
			addr, m.AppLow, m.AppHigh)
	}
	return m.Base + (addr-m.AppLow)>>GranularityShift, nil
}

// PoisonRange marks [addr, addr+n) with the poison value val.  A partial
// leading granule is left untouched: its shadow byte already encodes how many
// of its bytes are addressable, which caps access past the boundary.  The
// range end must be granule-aligned.
func (m *Memory) PoisonRange(addr, n uint64, val byte) error {
	start, end, err := m.poisonSpan(addr, n)
	if err != nil || end <= start {
		return err
	}
	return m.drv.MemWrite(start, fillBytes(end-start, val))
}

// UnpoisonRange marks the n bytes at addr addressable.  addr must be
// granule-aligned; a partial trailing granule gets the partial-validity
// encoding.
func (m *Memory) UnpoisonRange(addr, n uint64) error {
	if n == 0 {
		return nil
	}
	full, tail, sbase, err := m.unpoisonSpan(addr, n)
	if err != nil {
		return err
	}
	if full > 0 {
		if err := m.drv.MemWrite(sbase, fillBytes(full, ValueAddressable)); err != nil {
			return err
		}
	}
	if tail != 0 {
		return m.drv.MemWrite(sbase+full, []byte{tail})
	}
	return nil
}

// EnqueuePoisonRange is PoisonRange as a queue command ordered after dep.
// It returns dep unchanged when the span is empty.
func (m *Memory) EnqueuePoisonRange(q driver.QueueHandle, dep driver.EventHandle, addr, n uint64, val byte) (driver.EventHandle, error) {
	start, end, err := m.poisonSpan(addr, n)
	if err != nil {
		return dep, err
	}
	if end <= start {
		return dep, nil
	}
	return m.drv.EnqueueFill(q, start, val, end-start, dep)
}

// EnqueueUnpoisonRange is UnpoisonRange as queue commands ordered after dep,
// returning the terminal event of the (up to two) fills.
func (m *Memory) EnqueueUnpoisonRange(q driver.QueueHandle, dep driver.EventHandle, addr, n uint64) (driver.EventHandle, error) {
	if n == 0 {
		return dep, nil
	}
	full, tail, sbase, err := m.unpoisonSpan(addr, n)
	if err != nil {
		return dep, err
	}
	last := dep
	if full > 0 {
		last, err = m.drv.EnqueueFill(q, sbase, ValueAddressable, full, last)
		if err != nil {
			return dep, err
		}
	}
	if tail != 0 {
		last, err = m.drv.EnqueueFill(q, sbase+full, tail, 1, last)
		if err != nil {
			return dep, err
		}
	}
	return last, nil
}

// poisonSpan computes the shadow byte range covering [addr, addr+n) for
// poisoning, skipping a partial leading granule.
func (m *Memory) poisonSpan(addr, n uint64) (start, end uint64, err error) {
	if n == 0 {
		return 0, 0, nil
	}
	first := (addr + Granularity - 1) &^ uint64(Granularity-1)
	limit := addr + n
	if limit&(Granularity-1) != 0 {
		return 0, 0, fmt.Errorf("shadow: poison range end 0x%x not granule-aligned", limit)
	}
	if first >= limit {
		return 0, 0, nil
	}
	start, err = m.ShadowOf(first)
	if err != nil {
		return 0, 0, err
	}
	return start, start + (limit-first)>>GranularityShift, nil
}

// unpoisonSpan computes the full-granule count, the trailing partial
// encoding, and the shadow base for an unpoison of n bytes at addr.
func (m *Memory) unpoisonSpan(addr, n uint64) (full uint64, tail byte, sbase uint64, err error) {
	if addr&(Granularity-1) != 0 {
		return 0, 0, 0, fmt.Errorf("shadow: unpoison base 0x%x not granule-aligned", addr)
	}
	sbase, err = m.ShadowOf(addr)
	if err != nil {
		return 0, 0, 0, err
	}
	return n >> GranularityShift, byte(n & (Granularity - 1)), sbase, nil
}

// ReadShadow returns the shadow bytes covering the n application bytes at
// addr.  Test and diagnostic helper.
func (m *Memory) ReadShadow(addr, n uint64) ([]byte, error) {
	sbase, err := m.ShadowOf(addr)
	if err != nil {
		return nil, err
	}
	count := ((addr+n+Granularity-1)>>GranularityShift - addr>>GranularityShift)
	return m.drv.MemRead(sbase, int(count))
}

// CheckAccess performs the same validity check the device-side
// instrumentation performs: every byte of [addr, addr+n) must be covered by
// an addressable shadow encoding.  It returns the first faulting address and
// the shadow byte that rejected it.
func (m *Memory) CheckAccess(addr, n uint64) (ok bool, faultAddr uint64, value byte, err error) {
	if n == 0 {
		return true, 0, 0, nil
	}
	sbase, err := m.ShadowOf(addr)
	if err != nil {
		return false, addr, 0, err
	}
	firstGranule := addr >> GranularityShift
	lastGranule := (addr + n - 1) >> GranularityShift
	raw, err := m.drv.MemRead(sbase, int(lastGranule-firstGranule+1))
	if err != nil {
		return false, addr, 0, err
	}
	for g := firstGranule; g <= lastGranule; g++ {
		sv := raw[g-firstGranule]
		if sv == ValueAddressable {
			continue
		}
		gBase := g << GranularityShift
		lo := max64(addr, gBase)
		hi := min64(addr+n, gBase+Granularity)
		if IsPoison(sv) {
			return false, lo, sv, nil
		}
		// Partially addressable granule: offsets >= sv fault.
		if hi-gBase > uint64(sv) {
			fault := gBase + uint64(sv)
			if fault < lo {
				fault = lo
			}
			return false, fault, sv, nil
		}
	}
	return true, 0, 0, nil
}

func fillBytes(n uint64, v byte) []byte {
	b := make([]byte, n)
	if v != 0 {
		for i := range b {
			b[i] = v
		}
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
