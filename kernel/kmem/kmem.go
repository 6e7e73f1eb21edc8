// Package kmem ties the memory-management subsystems together and exposes
// the kernel-facing allocation and mapping API.
//
// A Manager is built once from the boot memory map and handed to the
// subsystems that need memory; there is no global allocator.
package kmem

import (
	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/mm/heap"
	"nos/kernel/mm/pmm"
	"nos/kernel/mm/vmm"
	"nos/multiboot"
)

// Manager owns the physical memory, the allocators and the kernel address
// space.
type Manager struct {
	cfg mm.Config

	mem    *mm.PhysMemory
	frames *pmm.BuddyAllocator
	heap   *heap.Allocator
	mmu    *vmm.MMU

	kernelSpace *vmm.AddressSpace
}

// NewFromBootInfo builds a Manager from the memory map supplied by the boot
// loader.
func NewFromBootInfo(info *multiboot.Info, cfg mm.Config) (*Manager, *kernel.Error) {
	return New(info.MemoryMap(), cfg)
}

// New backs every available region of memMap with simulated physical
// memory, brings up the frame allocators, the kernel heap and the kernel
// page table and returns a Manager for them.
func New(memMap []multiboot.MemoryMapEntry, cfg mm.Config) (*Manager, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arch, err := vmm.ArchByName(cfg.Arch)
	if err != nil {
		return nil, err
	}

	mem := mm.NewPhysMemory()
	for _, region := range pmm.AvailableFrames(memMap) {
		if err = mem.AddRegion(region.Address(), region.Size()); err != nil {
			mem.Release()
			return nil, err
		}
	}

	// The zero frame is taken from the boot allocator so it stays reserved
	// for the lifetime of the kernel.
	zeroFrame := mm.InvalidFrame
	frames, err := pmm.Init(mem, memMap, &cfg, func(early mm.FrameAllocator) *kernel.Error {
		var allocErr *kernel.Error
		zeroFrame, allocErr = early.AllocFrame()
		return allocErr
	})
	if err != nil {
		mem.Release()
		return nil, err
	}

	mgr := &Manager{
		cfg:    cfg,
		mem:    mem,
		frames: frames,
		heap:   heap.New(mem, frames, &cfg),
		mmu:    vmm.NewMMU(arch, mem, frames),
	}
	mgr.mmu.ProtectZeroedFrame(zeroFrame)

	kernelTable, err := mgr.mmu.NewPageTable()
	if err != nil {
		mem.Release()
		return nil, err
	}
	mgr.kernelSpace = vmm.NewAddressSpace(kernelTable, cfg.HugePages, vmm.KernelWindowStart, vmm.KernelWindowEnd)

	kfmt.Printf("[kmem] %s paging, %d CPUs, huge pages: %t, kernel page table at 0x%x\n",
		arch.Name(),
		cfg.CPUs,
		cfg.HugePages,
		uintptr(kernelTable.Root().Address()),
	)

	return mgr, nil
}

// Config returns the configuration the Manager was built with.
func (mgr *Manager) Config() mm.Config { return mgr.cfg }

// Frames returns the physical frame allocator.
func (mgr *Manager) Frames() *pmm.BuddyAllocator { return mgr.frames }

// Heap returns the kernel heap.
func (mgr *Manager) Heap() *heap.Allocator { return mgr.heap }

// KernelSpace returns the kernel address space.
func (mgr *Manager) KernelSpace() *vmm.AddressSpace { return mgr.kernelSpace }

// Allocate reserves a zero-filled block of size bytes aligned to align. An
// alignment of 0 selects word alignment. A zero size returns a
// non-dereferenceable, suitably aligned address.
func (mgr *Manager) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	addr, err := mgr.heap.Allocate(mm.NewLayout(size, align))
	return uintptr(addr), err
}

// Deallocate releases a block obtained through Allocate. size must not
// exceed the size passed to Allocate.
func (mgr *Manager) Deallocate(addr, size uintptr) *kernel.Error {
	return mgr.heap.Deallocate(mm.PhysAddr(addr), size)
}

// Reallocate resizes a block obtained through Allocate, moving it if needed.
// The first min(oldSize, newSize) bytes are preserved and any growth is
// zero-filled.
func (mgr *Manager) Reallocate(addr, oldSize, newSize, align uintptr) (uintptr, *kernel.Error) {
	newAddr, err := mgr.heap.Reallocate(mm.PhysAddr(addr), oldSize, newSize, align)
	return uintptr(newAddr), err
}

// Bytes returns a checked view of size bytes of allocated memory at addr.
func (mgr *Manager) Bytes(addr, size uintptr) ([]byte, *kernel.Error) {
	return mgr.heap.Bytes(mm.PhysAddr(addr), size)
}

// AllocatePages reserves count contiguous, zero-filled frames.
func (mgr *Manager) AllocatePages(count uintptr) (mm.PhysicalPage, *kernel.Error) {
	page, err := mgr.frames.AllocatePages(count)
	if err != nil {
		return page, err
	}

	if err = mgr.mem.Memset(page.Address(), 0, page.Size()); err != nil {
		_ = mgr.frames.FreePages(page)
		return mm.PhysicalPage{}, err
	}
	return page, nil
}

// FreePages releases frames obtained through AllocatePages.
func (mgr *Manager) FreePages(page mm.PhysicalPage) *kernel.Error {
	return mgr.frames.FreePages(page)
}

// MapPage maps the page containing virt to the frame containing phys in the
// kernel address space. Both addresses must have the same page offset.
func (mgr *Manager) MapPage(virt mm.VirtAddr, phys mm.PhysAddr, flags vmm.PageFlags) *kernel.Error {
	return mgr.kernelSpace.Mapper().MapPages(virt, 1, phys, flags)
}

// UnmapPage removes the kernel mapping of the page containing virt.
func (mgr *Manager) UnmapPage(virt mm.VirtAddr) *kernel.Error {
	return mgr.kernelSpace.PageTable().Unmap(virt.Page())
}

// Translate returns the physical address mapped at virt in the kernel
// address space.
func (mgr *Manager) Translate(virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	return mgr.kernelSpace.PageTable().Translate(virt)
}

// MapRegion reserves a region of the kernel address space and maps it to
// the contiguous frames starting at frame.
func (mgr *Manager) MapRegion(frame mm.Frame, size uintptr, flags vmm.PageFlags) (mm.Page, *kernel.Error) {
	return mgr.kernelSpace.MapRegion(frame, size, flags)
}

// NewAddressSpace creates an empty address space for a user process.
// Callers release it with AddressSpace.Destroy.
func (mgr *Manager) NewAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	pt, err := mgr.mmu.NewPageTable()
	if err != nil {
		return nil, err
	}
	return vmm.NewAddressSpace(pt, mgr.cfg.HugePages, vmm.UserWindowStart, vmm.UserWindowEnd), nil
}

// Reclaim drains the per-CPU caches, releases empty slabs and empty kernel
// page tables. It returns the number of frames given back to the frame
// allocator.
func (mgr *Manager) Reclaim() uint64 {
	freed := mgr.heap.Reclaim()
	return freed + uint64(mgr.kernelSpace.PageTable().ReclaimTables())
}

// MemoryStats returns a snapshot of the memory usage.
func (mgr *Manager) MemoryStats() mm.MemoryStats {
	var stats mm.MemoryStats
	mgr.frames.Stats(&stats)
	mgr.heap.Stats(&stats)
	stats.PageTableFrames = mgr.mmu.TableFrames()
	return stats
}

// Close releases the memory backing the simulated physical address space.
// The Manager cannot be used afterwards.
func (mgr *Manager) Close() {
	mgr.mem.Release()
}
