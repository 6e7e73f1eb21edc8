// Package kmain contains the kernel entrypoint for the memory-management
// core.
package kmain

import (
	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/kmem"
	"nos/kernel/mm"
	"nos/multiboot"
)

var (
	// kfmtPanicFn is mocked by tests.
	kfmtPanicFn = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the kernel entrypoint. It receives the multiboot info payload
// provided by the bootloader as well as the physical addresses for the
// kernel start/end.
//
// Kmain is not expected to return. If it does, the CPU is halted.
func Kmain(bootInfo []byte, kernelStart, kernelEnd uintptr) {
	if _, err := Boot(bootInfo, kernelStart, kernelEnd); err != nil {
		kfmtPanicFn(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmtPanicFn(errKmainReturned)
}

// Boot parses the boot information, applies the mm.* command line options
// on top of the default configuration and brings up the memory-management
// core.
func Boot(bootInfo []byte, kernelStart, kernelEnd uintptr) (*kmem.Manager, *kernel.Error) {
	info, err := multiboot.Parse(bootInfo)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("Starting nos (bootloader: %s)\n", info.BootLoaderName())

	cfg := mm.DefaultConfig()
	cfg.KernelStart, cfg.KernelEnd = kernelStart, kernelEnd
	if err = cfg.ApplyCmdLine(info.GetBootCmdLine()); err != nil {
		return nil, err
	}

	mgr, err := kmem.NewFromBootInfo(info, cfg)
	if err != nil {
		return nil, err
	}

	stats := mgr.MemoryStats()
	kfmt.Printf("[kmain] memory: %dKb free, %dKb used, %d page table frames\n",
		uint64(stats.FreeBytes()/mm.Kb),
		uint64(stats.UsedBytes()/mm.Kb),
		stats.PageTableFrames,
	)

	return mgr, nil
}
