// Package payload encodes the per-launch checking metadata the engine stages
// into device memory before a kernel runs.  The device-side instrumentation
// reads this block to locate the shadow region and the argument descriptors.
//
// Encoding is little-endian with a magic/version header.  Variable-length
// sections are count-prefixed; strings are u32-length-prefixed UTF-8.
package payload

import (
	"fmt"
)

// Magic and Version identify the payload layout to the device-side reader.
const (
	Magic   uint32 = 0x44564e53 // "DVNS"
	Version uint32 = 1
)

// LocalArg describes one local (work-group memory) kernel argument with its
// redzone-extended size.
type LocalArg struct {
	Index           uint32
	Size            uint64
	SizeWithRedzone uint64
}

// BufferArg describes one memory-buffer kernel argument resolved to its
// backing allocation.
type BufferArg struct {
	Index uint32
	Base  uint64
	Size  uint64
}

// PointerArg describes one raw-pointer kernel argument.
type PointerArg struct {
	Index uint32
	Addr  uint64
}

// LaunchPayload is the device-visible launch descriptor.
type LaunchPayload struct {
	LaunchID   string // uuid, for correlating device faults with host logs
	KernelName string

	WorkDim      uint32
	GlobalSize   [3]uint64
	LocalSize    [3]uint64
	GlobalOffset [3]uint64

	ShadowBase uint64
	ShadowSize uint64
	AppLow     uint64

	LocalArgs   []LocalArg // ascending by Index
	BufferArgs  []BufferArg
	PointerArgs []PointerArg
}

// Encode serializes the payload.  It fails when a string field is not
// valid UTF-8.
func (p *LaunchPayload) Encode() ([]byte, error) {
	w := newWriter()
	w.u32(Magic)
	w.u32(Version)
	w.str(p.LaunchID)
	w.str(p.KernelName)
	w.u32(p.WorkDim)
	for i := 0; i < 3; i++ {
		w.u64(p.GlobalSize[i])
	}
	for i := 0; i < 3; i++ {
		w.u64(p.LocalSize[i])
	}
	for i := 0; i < 3; i++ {
		w.u64(p.GlobalOffset[i])
	}
	w.u64(p.ShadowBase)
	w.u64(p.ShadowSize)
	w.u64(p.AppLow)

	w.u32(uint32(len(p.LocalArgs)))
	for _, a := range p.LocalArgs {
		w.u32(a.Index)
		w.u64(a.Size)
		w.u64(a.SizeWithRedzone)
	}
	w.u32(uint32(len(p.BufferArgs)))
	for _, a := range p.BufferArgs {
		w.u32(a.Index)
		w.u64(a.Base)
		w.u64(a.Size)
	}
	w.u32(uint32(len(p.PointerArgs)))
	for _, a := range p.PointerArgs {
		w.u32(a.Index)
		w.u64(a.Addr)
	}
	return w.bytes()
}

// Decode parses an encoded payload.  It is the host-side mirror of the
// device reader and is used by tests and fault diagnosis.
func Decode(data []byte) (*LaunchPayload, error) {
	r := newReader(data)
	if m := r.u32(); r.err == nil && m != Magic {
		return nil, fmt.Errorf("payload: bad magic 0x%x", m)
	}
	if v := r.u32(); r.err == nil && v != Version {
		return nil, fmt.Errorf("payload: unsupported version %d", v)
	}

	p := &LaunchPayload{}
	p.LaunchID = r.str()
	p.KernelName = r.str()
	p.WorkDim = r.u32()
	for i := 0; i < 3; i++ {
		p.GlobalSize[i] = r.u64()
	}
	for i := 0; i < 3; i++ {
		p.LocalSize[i] = r.u64()
	}
	for i := 0; i < 3; i++ {
		p.GlobalOffset[i] = r.u64()
	}
	p.ShadowBase = r.u64()
	p.ShadowSize = r.u64()
	p.AppLow = r.u64()

	nLocal := r.u32()
	for i := uint32(0); i < nLocal && r.err == nil; i++ {
		p.LocalArgs = append(p.LocalArgs, LocalArg{
			Index: r.u32(), Size: r.u64(), SizeWithRedzone: r.u64(),
		})
	}
	nBuf := r.u32()
	for i := uint32(0); i < nBuf && r.err == nil; i++ {
		p.BufferArgs = append(p.BufferArgs, BufferArg{
			Index: r.u32(), Base: r.u64(), Size: r.u64(),
		})
	}
	nPtr := r.u32()
	for i := uint32(0); i < nPtr && r.err == nil; i++ {
		p.PointerArgs = append(p.PointerArgs, PointerArg{
			Index: r.u32(), Addr: r.u64(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}
