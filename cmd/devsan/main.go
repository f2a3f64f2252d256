package main

import (
	"context"
	"fmt"
	"os"

	"github.com/devsan/devsan/pkg/devsan"
)

// Demonstrates the sanitizer against the built-in reference driver: a
// buffer overflow past a redzone and a use-after-free through the
// quarantine, both attributed back to their allocation sites.
func main() {
	ctx := context.Background()
	client, err := devsan.NewClient(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize devsan client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close(ctx)

	drv := client.Reference()
	adapter := drv.CreateAdapter()
	dev := drv.CreateDevice(devsan.DeviceDescriptor{Alignment: 8})
	cctx := drv.CreateContext(dev)
	queue := drv.CreateQueue(cctx, dev)
	prog := drv.CreateProgram()
	kernel := drv.CreateKernel(prog, "vector_add")

	fail := func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "devsan demo: %v\n", err)
			os.Exit(1)
		}
	}
	fail(client.HoldAdapter(adapter))
	fail(client.InsertContext(cctx))
	fail(client.InsertProgram(prog))
	fail(client.InsertKernel(kernel))

	ptr, err := client.Malloc(cctx, dev, devsan.AllocDeviceUSM, 1024)
	fail(err)
	fail(client.SetKernelArgPointer(kernel, 0, ptr))

	li := devsan.NewLaunchInfo(1, [3]uint64{1024, 1, 1}, [3]uint64{64, 1, 1}, [3]uint64{})
	fail(client.PreLaunchKernel(kernel, queue, li))
	fail(client.PostLaunchKernel(kernel, queue, li))

	// One element past the end: the access lands in the right redzone.
	client.DiagnoseAccess(ptr+1024, 4, "write", "vector_add", li.ID)

	// Freed memory stays poisoned in quarantine.
	fail(client.Free(cctx, ptr))
	client.DiagnoseAccess(ptr+16, 4, "read", "vector_add", li.ID)

	for _, v := range client.Violations() {
		fmt.Print(v.Format())
	}
	fmt.Printf("devsan: %d violation(s) detected\n", client.ViolationCount())
}
