// Package driver defines the host-driver contract the sanitizer engine is
// layered on.  The engine never talks to real device hardware; it consumes
// this interface, which mirrors the dispatch surface of a unified-addressing
// device runtime: opaque reference-counted handles, USM allocation
// primitives, and dependent command enqueue for per-queue ordering.
package driver

import "fmt"

// Opaque handle types.  Handles are fabricated by the driver and carry no
// meaning to the engine beyond identity; zero is never a valid handle.
type (
	AdapterHandle uint64
	ContextHandle uint64
	DeviceHandle  uint64
	QueueHandle   uint64
	KernelHandle  uint64
	ProgramHandle uint64
	MemHandle     uint64
	EventHandle   uint64
	PoolHandle    uint64
)

// DeviceType classifies a device for shadow-memory layout selection.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeCPU
	DeviceTypeGPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeCPU:
		return "cpu"
	case DeviceTypeGPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// USMKind selects the kind of unified shared memory to allocate.
type USMKind int

const (
	USMDevice USMKind = iota
	USMHost
	USMShared
)

func (k USMKind) String() string {
	switch k {
	case USMDevice:
		return "device"
	case USMHost:
		return "host"
	case USMShared:
		return "shared"
	default:
		return "invalid"
	}
}

// DeviceDescriptor reports the static properties the engine needs from a
// device.
type DeviceDescriptor struct {
	Type            DeviceType
	Alignment       uint64 // minimum pointer alignment for USM allocations
	SharedSystemUSM bool   // device can dereference arbitrary host pointers
}

// GlobalVariable describes one device-side global of a compiled program.
// Sizes are compile-time-known; the instrumentation pass reserves
// SizeWithRedzone bytes at Addr, of which the leading Size are the variable
// itself.
type GlobalVariable struct {
	Name            string
	Addr            uint64
	Size            uint64
	SizeWithRedzone uint64
}

// AllocProps carries allocation properties through USMAlloc.
type AllocProps struct {
	Kind      USMKind
	Alignment uint64 // 0 means the device default
}

// Driver is the host dispatch surface consumed by the engine.  All methods
// are safe for concurrent use.  Retain/Release follow the usual driver
// contract: each successful Retain must be balanced by a Release, and the
// object is destroyed when its external count reaches zero.
type Driver interface {
	RetainAdapter(AdapterHandle) error
	ReleaseAdapter(AdapterHandle) error
	RetainContext(ContextHandle) error
	ReleaseContext(ContextHandle) error
	RetainQueue(QueueHandle) error
	ReleaseQueue(QueueHandle) error
	RetainKernel(KernelHandle) error
	ReleaseKernel(KernelHandle) error
	RetainProgram(ProgramHandle) error
	ReleaseProgram(ProgramHandle) error

	// Topology and object queries.
	ContextDevices(ContextHandle) ([]DeviceHandle, error)
	DeviceDescriptor(DeviceHandle) (DeviceDescriptor, error)
	QueueContext(QueueHandle) (ContextHandle, error)
	QueueDevice(QueueHandle) (DeviceHandle, error)
	KernelProgram(KernelHandle) (ProgramHandle, error)
	KernelName(KernelHandle) (string, error)
	ProgramGlobals(ProgramHandle, DeviceHandle) ([]GlobalVariable, error)

	// USM allocation primitives.  USMAlloc returns the base address of a
	// fresh allocation in the flat device-visible address space.
	USMAlloc(ctx ContextHandle, dev DeviceHandle, props AllocProps, pool PoolHandle, size uint64) (uint64, error)
	USMFree(ctx ContextHandle, ptr uint64) error

	// Host-synchronous access to device-visible memory, used for launch
	// payload staging and immediate shadow updates.
	MemWrite(addr uint64, data []byte) error
	MemRead(addr uint64, n int) ([]byte, error)

	// EnqueueFill schedules a byte fill on the queue, ordered after dep
	// (zero dep means no dependency), returning the completion event.
	EnqueueFill(q QueueHandle, addr uint64, pattern byte, n uint64, dep EventHandle) (EventHandle, error)
	// EnqueueDependent schedules an empty command ordered after dep,
	// returning its event.  Used to extend a queue's ordering chain.
	EnqueueDependent(q QueueHandle, dep EventHandle) (EventHandle, error)

	// AddressRange returns the [low, high) bounds of the flat
	// device-visible address space, used to size shadow regions.
	AddressRange() (uint64, uint64)

	// Shadow backing-store primitives, keyed by device.  ShadowReserve maps
	// a zero-initialized region of the given size and returns its base.
	ShadowReserve(dev DeviceHandle, size uint64) (uint64, error)
	ShadowRelease(dev DeviceHandle, base uint64) error
}

// Code classifies a driver error.
type Code int

const (
	CodeInvalidHandle Code = iota + 1
	CodeInvalidArgument
	CodeOutOfResources
	CodeUnsupported
)

func (c Code) String() string {
	switch c {
	case CodeInvalidHandle:
		return "invalid_handle"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeOutOfResources:
		return "out_of_resources"
	case CodeUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by driver implementations.
type Error struct {
	Code    Code
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver error [%s]: %s: %s", e.Code, e.Op, e.Message)
}

// Errf builds a driver Error.
func Errf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}
