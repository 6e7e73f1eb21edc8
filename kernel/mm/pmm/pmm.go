// Package pmm contains the physical frame allocators: a boot-time bump
// allocator and the buddy allocator that takes over once the memory map has
// been processed.
package pmm

import (
	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/multiboot"
)

// EarlyInitFn is invoked by Init while only the boot allocator is available.
// Frames allocated through it remain reserved for the lifetime of the kernel.
type EarlyInitFn func(early mm.FrameAllocator) *kernel.Error

// Init sets up the kernel physical memory allocation sub-system. It prints
// the memory map, runs the early callback (if any) on top of the boot
// allocator and then hands every remaining available frame to a buddy
// allocator.
func Init(mem *mm.PhysMemory, memMap []multiboot.MemoryMapEntry, cfg *mm.Config, early EarlyInitFn) (*BuddyAllocator, *kernel.Error) {
	bootMemAllocator := NewBootMemAllocator(mem, memMap, cfg.KernelStart, cfg.KernelEnd)
	bootMemAllocator.printMemoryMap()

	if early != nil {
		if err := early(bootMemAllocator); err != nil {
			return nil, err
		}
	}

	reserved := bootMemAllocator.Used()
	if kernelFrames := bootMemAllocator.KernelFrames(); kernelFrames.Count != 0 {
		reserved = append(reserved, kernelFrames)
	}

	buddyAllocator, err := NewBuddyAllocator(cfg.MaxOrder, AvailableFrames(memMap), reserved)
	if err != nil {
		return nil, err
	}

	var stats mm.MemoryStats
	buddyAllocator.Stats(&stats)
	kfmt.Printf("[pmm] buddy allocator: %d free frames (%dKb), %d boot frames reserved, largest block order %d\n",
		stats.FreeFrames,
		uint64(stats.FreeBytes()/mm.Kb),
		bootMemAllocator.AllocCount(),
		stats.LargestFreeOrder,
	)

	return buddyAllocator, nil
}
