package devsan

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/devsan/devsan/internal/debuglog"
	"github.com/devsan/devsan/internal/engine"
	"github.com/devsan/devsan/internal/memdriver"
)

// Client is one sanitizer instance bound to a driver.
type Client struct {
	in   *engine.Interceptor
	drv  Driver
	mem  *memdriver.Driver // non-nil when the client owns the reference driver
	log  *debuglog.Logger
	opts *Options
}

// Config holds construction options for a Client.
type Config struct {
	// MemoryPages sets the reference driver's linear-memory size in
	// 64KB pages.  Ignored when an external driver is supplied.
	MemoryPages uint32
	// Options overrides the environment-resolved configuration.
	Options *Options
	// LogOutput receives diagnostic output; defaults to stderr.
	LogOutput io.Writer
}

func (c *Config) pages() uint32 {
	if c == nil || c.MemoryPages == 0 {
		return 256
	}
	return c.MemoryPages
}

// NewClient builds a Client over the built-in reference driver, whose
// device address space is a wasm linear memory.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	mem, err := memdriver.New(ctx, cfg.pages())
	if err != nil {
		return nil, fmt.Errorf("devsan: reference driver: %w", err)
	}
	c, err := New(mem, cfg)
	if err != nil {
		_ = mem.Close(ctx)
		return nil, err
	}
	c.mem = mem
	return c, nil
}

// New builds a Client over an external driver.
func New(drv Driver, cfg *Config) (*Client, error) {
	var opts *Options
	var out io.Writer = os.Stderr
	if cfg != nil {
		opts = cfg.Options
		if cfg.LogOutput != nil {
			out = cfg.LogOutput
		}
	}
	if opts == nil {
		loaded, err := LoadOptions()
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	log := debuglog.New(debuglog.ParseLevel(opts.Debug), out)
	return &Client{
		in:   engine.New(drv, opts, log),
		drv:  drv,
		log:  log,
		opts: opts,
	}, nil
}

// Close shuts the sanitizer down, releasing held driver references and
// shadow regions, plus the reference driver when the client owns one.
func (c *Client) Close(ctx context.Context) error {
	err := c.in.Close()
	if c.mem != nil {
		if cerr := c.mem.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// Options returns the resolved configuration.
func (c *Client) Options() *Options { return c.opts }

// Reference returns the built-in reference driver, or nil when the
// client wraps an external one.
func (c *Client) Reference() *memdriver.Driver { return c.mem }

// ---- object lifecycle

// HoldAdapter pins an adapter for the sanitizer's lifetime.
func (c *Client) HoldAdapter(a AdapterHandle) error { return c.in.HoldAdapter(a) }

// InsertContext registers a created context.
func (c *Client) InsertContext(h ContextHandle) error { return c.in.InsertContext(h) }

// EraseContext unregisters a destroyed context.
func (c *Client) EraseContext(h ContextHandle) error { return c.in.EraseContext(h) }

// RetainContext mirrors an application retain of the context.
func (c *Client) RetainContext(h ContextHandle) error { return c.in.RetainContext(h) }

// ReleaseContext mirrors an application release of the context.
func (c *Client) ReleaseContext(h ContextHandle) error { return c.in.ReleaseContext(h) }

// InsertKernel registers a created kernel.
func (c *Client) InsertKernel(h KernelHandle) error { return c.in.InsertKernel(h) }

// EraseKernel unregisters a destroyed kernel.
func (c *Client) EraseKernel(h KernelHandle) error { return c.in.EraseKernel(h) }

// RetainKernel mirrors an application retain of the kernel.
func (c *Client) RetainKernel(h KernelHandle) error { return c.in.RetainKernel(h) }

// ReleaseKernel mirrors an application release of the kernel.
func (c *Client) ReleaseKernel(h KernelHandle) error { return c.in.ReleaseKernel(h) }

// InsertProgram registers a created program.
func (c *Client) InsertProgram(h ProgramHandle) error { return c.in.InsertProgram(h) }

// EraseProgram unregisters a destroyed program.
func (c *Client) EraseProgram(h ProgramHandle) error { return c.in.EraseProgram(h) }

// RetainProgram mirrors an application retain of the program.
func (c *Client) RetainProgram(h ProgramHandle) error { return c.in.RetainProgram(h) }

// ReleaseProgram mirrors an application release of the program.
func (c *Client) ReleaseProgram(h ProgramHandle) error { return c.in.ReleaseProgram(h) }

// RegisterProgram registers a built program's device globals on every
// device of the context.
func (c *Client) RegisterProgram(ctx ContextHandle, h ProgramHandle) error {
	return c.in.RegisterProgram(ctx, h)
}

// UnregisterProgram retires a program's device globals.
func (c *Client) UnregisterProgram(h ProgramHandle) error {
	return c.in.UnregisterProgram(h)
}

// InsertMemBuffer registers a created buffer and backs it with a
// redzone-extended allocation on dev.
func (c *Client) InsertMemBuffer(ctx ContextHandle, dev DeviceHandle, h MemHandle, size uint64) error {
	return c.in.InsertMemBuffer(ctx, dev, h, size)
}

// EraseMemBuffer unregisters a buffer and releases its backing memory.
func (c *Client) EraseMemBuffer(h MemHandle) error { return c.in.EraseMemBuffer(h) }

// ---- memory

// Malloc services a USM allocation, returning the user pointer between
// the redzones.  dev is zero for host USM.
func (c *Client) Malloc(ctx ContextHandle, dev DeviceHandle, kind AllocKind, size uint64) (uint64, error) {
	return c.in.AllocateMemory(ctx, dev, kind, 0, size)
}

// Free services a USM free of a pointer returned by Malloc.
func (c *Client) Free(ctx ContextHandle, ptr uint64) error {
	return c.in.ReleaseMemory(ctx, ptr)
}

// FindAllocInfoByAddress resolves an address to the allocation record
// covering it, live or not.
func (c *Client) FindAllocInfoByAddress(addr uint64) *AllocInfo {
	return c.in.FindAllocInfoByAddress(addr)
}

// FindAllocInfoByContext returns every record of a context, in address
// order.
func (c *Client) FindAllocInfoByContext(ctx ContextHandle) []*AllocInfo {
	return c.in.FindAllocInfoByContext(ctx)
}

// ---- kernel arguments and launches

// SetKernelArgBuffer binds a registered buffer as kernel argument index.
func (c *Client) SetKernelArgBuffer(k KernelHandle, index uint32, mem MemHandle) error {
	return c.in.SetKernelArgBuffer(k, index, mem)
}

// SetKernelArgPointer binds a raw device pointer as kernel argument
// index.
func (c *Client) SetKernelArgPointer(k KernelHandle, index uint32, addr uint64) error {
	return c.in.SetKernelArgPointer(k, index, addr)
}

// SetKernelArgLocal binds a local-memory argument as kernel argument
// index.
func (c *Client) SetKernelArgLocal(k KernelHandle, index uint32, size uint64) error {
	return c.in.SetKernelArgLocal(k, index, size)
}

// PreLaunchKernel prepares a kernel enqueue: shadow state is published to
// the device and the launch payload is staged.
func (c *Client) PreLaunchKernel(k KernelHandle, q QueueHandle, li *LaunchInfo) error {
	return c.in.PreLaunchKernel(k, q, li)
}

// PostLaunchKernel closes out a launch and releases the staged payload.
func (c *Client) PostLaunchKernel(k KernelHandle, q QueueHandle, li *LaunchInfo) error {
	return c.in.PostLaunchKernel(k, q, li)
}

// ---- reporting

// DiagnoseAccess classifies a faulting access and records the violation.
func (c *Client) DiagnoseAccess(addr, size uint64, op, kernel, launchID string) Violation {
	return c.in.DiagnoseAccess(addr, size, op, kernel, launchID)
}

// Violations returns every recorded violation in order.
func (c *Client) Violations() []Violation {
	return c.in.Recorder().Violations()
}

// ViolationCount returns the total number of recorded violations.
func (c *Client) ViolationCount() uint64 {
	return c.in.Recorder().Total()
}
