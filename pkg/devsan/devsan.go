// Package devsan provides runtime memory-safety checking for accelerator
// device memory.
//
// The package shadows a device driver's object lifecycles and memory
// traffic: every allocation is surrounded by poisoned redzones, freed
// memory is quarantined and poisoned, and each kernel launch carries a
// payload describing the shadow region and the kernel's arguments so
// device-side instrumentation can validate accesses.
//
// Core types:
//   - Client: one sanitizer instance bound to a driver
//   - Driver: the host dispatch surface the sanitizer shadows
//   - LaunchInfo: per-launch state threaded through pre/post hooks
//   - AllocInfo: the record for one observed allocation
//   - Violation: one attributed memory-safety fault
//
// Example usage:
//
//	client, err := devsan.NewClient(context.Background(), nil)
//	if err != nil {
//		...
//	}
//	defer client.Close(context.Background())
//
//	ptr, err := client.Malloc(ctx, dev, devsan.AllocDeviceUSM, 1024)
//	...
//	li := devsan.NewLaunchInfo(1, global, local, offset)
//	client.PreLaunchKernel(kernel, queue, li)
//	// enqueue the kernel itself
//	client.PostLaunchKernel(kernel, queue, li)
package devsan

import (
	"github.com/devsan/devsan/internal/allocmap"
	"github.com/devsan/devsan/internal/driver"
	"github.com/devsan/devsan/internal/engine"
	"github.com/devsan/devsan/internal/options"
	"github.com/devsan/devsan/internal/report"
)

// Driver contract and handle types.
type (
	// Driver is the host dispatch surface the sanitizer shadows.
	Driver = driver.Driver

	AdapterHandle = driver.AdapterHandle
	ContextHandle = driver.ContextHandle
	DeviceHandle  = driver.DeviceHandle
	QueueHandle   = driver.QueueHandle
	KernelHandle  = driver.KernelHandle
	ProgramHandle = driver.ProgramHandle
	MemHandle     = driver.MemHandle
	EventHandle   = driver.EventHandle
	PoolHandle    = driver.PoolHandle

	// DeviceDescriptor reports the device properties the sanitizer needs.
	DeviceDescriptor = driver.DeviceDescriptor
)

// Bookkeeping and reporting types.
type (
	// AllocInfo is the record for one observed allocation.
	AllocInfo = allocmap.AllocInfo

	// AllocKind classifies what an allocation backs.
	AllocKind = allocmap.Kind

	// LaunchInfo is the per-launch state threaded through the pre- and
	// post-launch hooks.
	LaunchInfo = engine.LaunchInfo

	// Violation is one attributed memory-safety fault.
	Violation = report.Violation

	// Options is the sanitizer configuration.
	Options = options.Options
)

// Allocation kinds accepted by Malloc.
const (
	AllocDeviceUSM = allocmap.KindDeviceUSM
	AllocHostUSM   = allocmap.KindHostUSM
	AllocSharedUSM = allocmap.KindSharedUSM
)

// Violation types.
const (
	ViolationHeapBufferOverflow = report.TypeHeapBufferOverflow
	ViolationUseAfterFree       = report.TypeUseAfterFree
	ViolationDoubleFree         = report.TypeDoubleFree
	ViolationInvalidFree        = report.TypeInvalidFree
	ViolationUnknownAddress     = report.TypeUnknownAddress
)

// NewLaunchInfo returns the per-launch state for one kernel enqueue of
// the given shape.
func NewLaunchInfo(workDim uint32, global, local, offset [3]uint64) *LaunchInfo {
	return engine.NewLaunchInfo(workDim, global, local, offset)
}

// DefaultOptions returns the built-in configuration.
func DefaultOptions() *Options {
	return options.Default()
}

// LoadOptions resolves the configuration from the DEVSAN_OPTIONS and
// DEVSAN_OPTIONS_FILE environment variables over the defaults.
func LoadOptions() (*Options, error) {
	return options.Load(nil)
}
