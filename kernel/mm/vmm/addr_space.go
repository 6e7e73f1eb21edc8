package vmm

import (
	"nos/kernel"
	"nos/kernel/mm"
	"nos/kernel/sync"
)

const (
	// KernelWindowStart and KernelWindowEnd delimit the virtual range used
	// for kernel region reservations. The range is canonical for every
	// supported paging scheme; the last page is left unused.
	KernelWindowStart = mm.VirtAddr(0xffffffffc0000000)
	KernelWindowEnd   = mm.VirtAddr(0xfffffffffffff000)

	// UserWindowStart and UserWindowEnd delimit the virtual range used for
	// reservations in per-process address spaces. The range fits the lower
	// half of the smallest (39-bit) supported address space.
	UserWindowStart = mm.VirtAddr(0x400000)
	UserWindowEnd   = mm.VirtAddr(0x4000000000)
)

var errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// AddressSpace combines a page table with a region allocator for a window of
// its virtual address space.
type AddressSpace struct {
	lock sync.Spinlock

	mapper *Mapper

	windowStart mm.VirtAddr

	// lastUsed tracks the last reserved page address and is decreased
	// after each reservation request. Initially, it points to the end of
	// the window.
	lastUsed mm.VirtAddr
}

// NewAddressSpace returns an address space that reserves regions inside
// [windowStart, windowEnd) of the supplied page table.
func NewAddressSpace(pt *PageTable, hugePages bool, windowStart, windowEnd mm.VirtAddr) *AddressSpace {
	return &AddressSpace{
		mapper:      NewMapper(pt, hugePages),
		windowStart: windowStart.AlignUp(mm.PageSize),
		lastUsed:    windowEnd.AlignDown(mm.PageSize),
	}
}

// PageTable returns the page table backing this address space.
func (as *AddressSpace) PageTable() *PageTable { return as.mapper.pt }

// Mapper returns the mapper for this address space.
func (as *AddressSpace) Mapper() *Mapper { return as.mapper }

// ReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size and returns its virtual address. If size is not a
// multiple of mm.PageSize it will be automatically rounded up.
//
// Regions are handed out top-down starting at the end of the window and are
// never reused.
func (as *AddressSpace) ReserveRegion(size uintptr) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, mm.ErrVMInvalidSize
	}

	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	as.lock.Acquire()
	defer as.lock.Release()

	// reserving a region of the requested size will cross the window start
	if size == 0 || size > uintptr(as.lastUsed-as.windowStart) {
		return 0, errReserveNoSpace
	}

	as.lastUsed -= mm.VirtAddr(size)
	return as.lastUsed, nil
}

// MapRegion reserves a region of the requested size and maps it to the
// contiguous physical memory starting at frame. It returns the first page
// of the region.
func (as *AddressSpace) MapRegion(frame mm.Frame, size uintptr, flags PageFlags) (mm.Page, *kernel.Error) {
	start, err := as.ReserveRegion(size)
	if err != nil {
		return 0, err
	}

	if err = as.mapper.MapPages(start, size, frame.Address(), flags); err != nil {
		return 0, err
	}

	return start.Page(), nil
}

// IdentityMapRegion maps size bytes of the contiguous physical memory
// starting at frame to the same virtual addresses. It returns the first page
// of the region.
func (as *AddressSpace) IdentityMapRegion(frame mm.Frame, size uintptr, flags PageFlags) (mm.Page, *kernel.Error) {
	start := mm.VirtAddr(frame.Address())
	if err := as.mapper.MapPages(start, size, frame.Address(), flags); err != nil {
		return 0, err
	}

	return start.Page(), nil
}

// Destroy releases the page table of this address space.
func (as *AddressSpace) Destroy() {
	as.mapper.pt.Destroy()
}
