// Package allocmap owns the allocation records and the address-ordered index
// over them.  Every allocation the engine has ever observed is represented by
// exactly one AllocInfo; the per-context lists, the quarantine, and the
// address map all share that record, so a state change is visible everywhere
// at once.
package allocmap

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/devsan/devsan/internal/driver"
)

// Kind classifies what an allocation backs.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceUSM
	KindHostUSM
	KindSharedUSM
	KindMemBuffer
	KindDeviceGlobal
)

func (k Kind) String() string {
	switch k {
	case KindDeviceUSM:
		return "device USM"
	case KindHostUSM:
		return "host USM"
	case KindSharedUSM:
		return "shared USM"
	case KindMemBuffer:
		return "memory buffer"
	case KindDeviceGlobal:
		return "device global"
	default:
		return "unknown"
	}
}

// State is the liveness state of an allocation.  Transitions are monotonic:
// Live -> Quarantined -> Freed, with Quarantined skipped when the quarantine
// is disabled.
type State int32

const (
	StateLive State = iota
	StateQuarantined
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateQuarantined:
		return "quarantined"
	case StateFreed:
		return "freed"
	default:
		return "invalid"
	}
}

// Origin is a captured call-site, recorded on allocation, on free, and on
// raw-pointer kernel arguments.
type Origin []uintptr

// CaptureOrigin records the caller's stack, skipping skip frames above the
// caller of CaptureOrigin itself.
func CaptureOrigin(skip int) Origin {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip+2, pcs)
	return Origin(pcs[:n])
}

func (o Origin) String() string {
	if len(o) == 0 {
		return "(unknown origin)"
	}
	var b strings.Builder
	frames := runtime.CallersFrames(o)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "    %s\n        %s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// AllocInfo is the record for one allocation.  The address layout is
//
//	Base                                      Base+SizeWithRedzone
//	| left redzone | user bytes | right redzone |
//	              UserBegin   UserEnd
//
// Base, UserBegin and SizeWithRedzone are all multiples of the owning
// device's alignment.  Size is the byte count the program asked for.
type AllocInfo struct {
	Base            uint64
	UserBegin       uint64
	UserEnd         uint64 // UserBegin + Size
	Size            uint64
	SizeWithRedzone uint64

	Kind    Kind
	Context driver.ContextHandle
	Device  driver.DeviceHandle

	AllocOrigin Origin
	FreeOrigin  Origin

	state atomic.Int32
}

// State returns the allocation's current liveness state.
func (a *AllocInfo) State() State { return State(a.state.Load()) }

// Advance moves the allocation to next.  Moving backwards, or repeating a
// state, indicates corrupted bookkeeping and panics.
func (a *AllocInfo) Advance(next State) {
	for {
		cur := a.state.Load()
		if int32(next) <= cur {
			panic(fmt.Sprintf("allocmap: non-monotonic state transition %s -> %s for allocation at 0x%x",
				State(cur), next, a.UserBegin))
		}
		if a.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Contains reports whether addr falls inside the redzone-extended range.
func (a *AllocInfo) Contains(addr uint64) bool {
	return addr >= a.Base && addr < a.Base+a.SizeWithRedzone
}

// InUserRange reports whether addr falls inside the usable bytes.
func (a *AllocInfo) InUserRange(addr uint64) bool {
	return addr >= a.UserBegin && addr < a.UserEnd
}

// InRedzone reports whether addr falls inside either redzone.
func (a *AllocInfo) InRedzone(addr uint64) bool {
	return a.Contains(addr) && !a.InUserRange(addr)
}

func (a *AllocInfo) String() string {
	return fmt.Sprintf("AllocInfo{%s %s [0x%x,0x%x) user [0x%x,0x%x) size=%d}",
		a.Kind, a.State(), a.Base, a.Base+a.SizeWithRedzone, a.UserBegin, a.UserEnd, a.Size)
}
