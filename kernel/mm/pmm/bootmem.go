package pmm

import (
	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/multiboot"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errBootAllocCannotFree  = &kernel.Error{Module: "boot_mem_alloc", Message: "frames cannot be returned to the boot allocator"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame.  Allocations are tracked via an internal counter that contains
// the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the buddy allocator is initialized the frames handed
// out by the boot allocator are reported to it via Used and stay reserved.
type BootMemAllocator struct {
	mem    *mm.PhysMemory
	memMap []multiboot.MemoryMapEntry

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// used lists the runs of frames handed out so far.
	used []mm.PhysicalPage

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// NewBootMemAllocator returns a boot allocator that hands out the available
// frames of memMap in ascending order, skipping the frames occupied by the
// kernel image.
func NewBootMemAllocator(mem *mm.PhysMemory, memMap []multiboot.MemoryMapEntry, kernelStart, kernelEnd uintptr) *BootMemAllocator {
	alloc := &BootMemAllocator{mem: mem, memMap: memMap}
	alloc.init(kernelStart, kernelEnd)
	return alloc
}

// init sets up the boot memory allocator internal state.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
	if kernelEnd == kernelStart {
		// no kernel image to skip
		alloc.kernelStartFrame, alloc.kernelEndFrame = mm.InvalidFrame, mm.InvalidFrame
	}
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
	alloc.used = alloc.used[:0]
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame. The frame contents are cleared
// before it is returned.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	for index := range alloc.memMap {
		region := &alloc.memMap[index]

		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame, regionEndFrame, ok := regionFrames(region)
		if !ok {
			continue
		}

		// Skip over already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			continue
		}

		switch {
		case alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame:
			// first allocation or we need to jump to this region
			alloc.lastAllocFrame = regionStartFrame
		default:
			// we are in the region and we can select the next frame
			alloc.lastAllocFrame++
		}

		// If the candidate frame overlaps the kernel image we need to jump
		// to the page following the kernel end frame
		if alloc.kernelStartFrame.Valid() &&
			alloc.lastAllocFrame >= alloc.kernelStartFrame && alloc.lastAllocFrame <= alloc.kernelEndFrame {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		}

		// The above adjustment might push lastAllocFrame outside of the
		// region end (e.g kernel ends at last page in the region)
		if alloc.lastAllocFrame > regionEndFrame {
			continue
		}

		err = nil
		break
	}

	if err != nil {
		return mm.InvalidFrame, err
	}

	if alloc.mem != nil {
		if err = alloc.mem.Memset(alloc.lastAllocFrame.Address(), 0, mm.PageSize); err != nil {
			return mm.InvalidFrame, err
		}
	}

	alloc.allocCount++
	alloc.trackUsed(alloc.lastAllocFrame)
	return alloc.lastAllocFrame, nil
}

// FreeFrame implements mm.FrameAllocator. The boot allocator cannot reclaim
// frames so it always returns an error.
func (alloc *BootMemAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	return errBootAllocCannotFree
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// Used returns the runs of frames handed out by the allocator.
func (alloc *BootMemAllocator) Used() []mm.PhysicalPage {
	return append([]mm.PhysicalPage(nil), alloc.used...)
}

// KernelFrames returns the run of frames occupied by the kernel image.
func (alloc *BootMemAllocator) KernelFrames() mm.PhysicalPage {
	if !alloc.kernelStartFrame.Valid() {
		return mm.PhysicalPage{}
	}
	return mm.PhysicalPage{
		Frame: alloc.kernelStartFrame,
		Count: uintptr(alloc.kernelEndFrame - alloc.kernelStartFrame + 1),
	}
}

func (alloc *BootMemAllocator) trackUsed(frame mm.Frame) {
	if last := len(alloc.used) - 1; last >= 0 {
		run := &alloc.used[last]
		if run.Frame+mm.Frame(run.Count) == frame {
			run.Count++
			return
		}
	}
	alloc.used = append(alloc.used, mm.PhysicalPage{Frame: frame, Count: 1})
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	for _, region := range alloc.memMap {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	if alloc.kernelStartFrame.Valid() {
		kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
		kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
			uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
			uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
		)
	}
}

// regionFrames returns the first and last whole frame inside a memory map
// region.
func regionFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
	end := (region.PhysAddress + region.Length) & ^pageSizeMinus1
	if end <= start {
		return mm.InvalidFrame, mm.InvalidFrame, false
	}
	return mm.Frame(start >> mm.PageShift), mm.Frame(end>>mm.PageShift) - 1, true
}

// AvailableFrames returns the page-aligned runs of available memory listed
// in memMap.
func AvailableFrames(memMap []multiboot.MemoryMapEntry) []mm.PhysicalPage {
	var runs []mm.PhysicalPage
	for index := range memMap {
		region := &memMap[index]
		if region.Type != multiboot.MemAvailable {
			continue
		}

		start, end, ok := regionFrames(region)
		if !ok {
			continue
		}
		runs = append(runs, mm.PhysicalPage{Frame: start, Count: uintptr(end - start + 1)})
	}
	return runs
}
