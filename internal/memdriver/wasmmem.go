package memdriver

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// PageSize is the wasm linear-memory page size.
const PageSize = 64 * 1024

// linearMemory instantiates a module that does nothing but export one linear
// memory of exactly the requested page count, and returns that memory.  The
// module binary is synthesized in place; no wasm code runs.
func linearMemory(ctx context.Context, rt wazero.Runtime, pages uint32) (api.Memory, api.Module, error) {
	mod, err := rt.InstantiateWithConfig(ctx, memoryModule(pages),
		wazero.NewModuleConfig().WithName("devmem"))
	if err != nil {
		return nil, nil, fmt.Errorf("memdriver: instantiating memory module: %w", err)
	}
	mem := mod.Memory()
	if mem == nil {
		mod.Close(ctx)
		return nil, nil, fmt.Errorf("memdriver: memory module exported no memory")
	}
	return mem, mod, nil
}

// memoryModule builds the binary for `(module (memory (export "memory") N N))`.
func memoryModule(pages uint32) []byte {
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00} // \0asm, version 1

	// Memory section: one memory with min = max = pages.
	var memBody []byte
	memBody = append(memBody, 0x01)       // one memory
	memBody = append(memBody, 0x01)       // limits flag: max present
	memBody = appendULEB(memBody, pages)  // min
	memBody = appendULEB(memBody, pages)  // max
	bin = appendSection(bin, 0x05, memBody)

	// Export section: export memory 0 as "memory".
	var expBody []byte
	expBody = append(expBody, 0x01) // one export
	expBody = appendULEB(expBody, uint32(len("memory")))
	expBody = append(expBody, "memory"...)
	expBody = append(expBody, 0x02, 0x00) // kind memory, index 0
	bin = appendSection(bin, 0x07, expBody)

	return bin
}

func appendSection(bin []byte, id byte, body []byte) []byte {
	bin = append(bin, id)
	bin = appendULEB(bin, uint32(len(body)))
	return append(bin, body...)
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
