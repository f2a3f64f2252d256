// Package report turns raw fault addresses into attributed memory-violation
// records.  Classification resolves the address through the allocation map,
// so a fault lands on "heap-buffer-overflow" or "use-after-free" depending on
// the state the owning record carries, instead of a generic out-of-bounds.
package report

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devsan/devsan/internal/allocmap"
)

// Type classifies a violation.
type Type string

const (
	TypeHeapBufferOverflow Type = "heap-buffer-overflow"
	TypeUseAfterFree       Type = "use-after-free"
	TypeDoubleFree         Type = "double-free"
	TypeInvalidFree        Type = "invalid-free"
	TypeUnknownAddress     Type = "unknown-address"
)

// Violation is one attributed memory-safety fault.
type Violation struct {
	ID        string
	Type      Type
	Address   uint64
	Size      uint64
	Operation string // "read", "write", "free", ...
	Kernel    string // empty when the fault is not from a kernel
	LaunchID  string
	Alloc     *allocmap.AllocInfo // nil for unknown addresses
	Origin    allocmap.Origin
	Time      time.Time
}

// Classify attributes a fault at addr against the record (possibly nil) the
// allocation map resolved it to.
func Classify(ai *allocmap.AllocInfo, addr uint64) Type {
	if ai == nil {
		return TypeUnknownAddress
	}
	switch ai.State() {
	case allocmap.StateQuarantined, allocmap.StateFreed:
		return TypeUseAfterFree
	default:
		return TypeHeapBufferOverflow
	}
}

// Format renders the violation in a sanitizer-report layout.
func (v *Violation) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "==devsan== ERROR: %s on %s of size %d at 0x%x\n",
		v.Type, v.Operation, v.Size, v.Address)
	if v.Kernel != "" {
		fmt.Fprintf(&b, "==devsan== in kernel %q (launch %s)\n", v.Kernel, v.LaunchID)
	}
	if v.Alloc != nil {
		a := v.Alloc
		fmt.Fprintf(&b, "==devsan== address belongs to %s allocation [0x%x,0x%x) of %d bytes (%s)\n",
			a.State(), a.UserBegin, a.UserEnd, a.Size, a.Kind)
		switch {
		case a.InRedzone(v.Address) && v.Address < a.UserBegin:
			fmt.Fprintf(&b, "==devsan== %d bytes before the allocation\n", a.UserBegin-v.Address)
		case a.InRedzone(v.Address):
			fmt.Fprintf(&b, "==devsan== %d bytes after the allocation\n", v.Address-a.UserEnd)
		}
		if len(a.AllocOrigin) > 0 {
			fmt.Fprintf(&b, "==devsan== allocated at:\n%s", a.AllocOrigin)
		}
		if len(a.FreeOrigin) > 0 {
			fmt.Fprintf(&b, "==devsan== freed at:\n%s", a.FreeOrigin)
		}
	}
	if len(v.Origin) > 0 {
		fmt.Fprintf(&b, "==devsan== faulting access at:\n%s", v.Origin)
	}
	return b.String()
}

// Recorder accumulates violations with per-type counters.
type Recorder struct {
	mu         sync.Mutex
	violations []Violation

	byType sync.Map // Type -> *atomic.Uint64
	total  atomic.Uint64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record stores the violation, assigning it an ID if it has none, and
// returns the stored copy.
func (r *Recorder) Record(v Violation) Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Time.IsZero() {
		v.Time = time.Now()
	}
	r.total.Add(1)
	counter, _ := r.byType.LoadOrStore(v.Type, &atomic.Uint64{})
	counter.(*atomic.Uint64).Add(1)

	r.mu.Lock()
	r.violations = append(r.violations, v)
	r.mu.Unlock()
	return v
}

// Total returns the number of recorded violations.
func (r *Recorder) Total() uint64 { return r.total.Load() }

// CountByType returns how many violations of the given type were recorded.
func (r *Recorder) CountByType(t Type) uint64 {
	if c, ok := r.byType.Load(t); ok {
		return c.(*atomic.Uint64).Load()
	}
	return 0
}

// Violations returns a snapshot of the recorded violations.
func (r *Recorder) Violations() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Violation, len(r.violations))
	copy(out, r.violations)
	return out
}
