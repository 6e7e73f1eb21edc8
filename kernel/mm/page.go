package mm

import (
	"math"
)

// Frame describes a physical memory page index (PFN).
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// Frame returns the frame that contains this address.
func (a PhysAddr) Frame() Frame { return FrameFromAddress(uintptr(a)) }

// PageOffset returns the offset of the address inside its frame.
func (a PhysAddr) PageOffset() uintptr { return uintptr(a) & (PageSize - 1) }

// AlignDown rounds the address down to a multiple of align, which must be a
// power of two.
func (a PhysAddr) AlignDown(align uintptr) PhysAddr { return PhysAddr(alignDown(uintptr(a), align)) }

// AlignUp rounds the address up to a multiple of align, which must be a
// power of two.
func (a PhysAddr) AlignUp(align uintptr) PhysAddr { return PhysAddr(alignUp(uintptr(a), align)) }

// IsAligned returns true if the address is a multiple of align.
func (a PhysAddr) IsAligned(align uintptr) bool { return uintptr(a)&(align-1) == 0 }

// VirtAddr is a virtual memory address. Its decomposition into page table
// indices is architecture-specific and provided by vmm.PageTableOps.
type VirtAddr uintptr

// Page returns the page that contains this address.
func (a VirtAddr) Page() Page { return PageFromAddress(uintptr(a)) }

// PageOffset returns the offset of the address inside its page.
func (a VirtAddr) PageOffset() uintptr { return uintptr(a) & (PageSize - 1) }

// AlignDown rounds the address down to a multiple of align, which must be a
// power of two.
func (a VirtAddr) AlignDown(align uintptr) VirtAddr { return VirtAddr(alignDown(uintptr(a), align)) }

// AlignUp rounds the address up to a multiple of align, which must be a
// power of two.
func (a VirtAddr) AlignUp(align uintptr) VirtAddr { return VirtAddr(alignUp(uintptr(a), align)) }

// IsAligned returns true if the address is a multiple of align.
func (a VirtAddr) IsAligned(align uintptr) bool { return uintptr(a)&(align-1) == 0 }

// PhysicalPage describes a run of contiguous frames handed out by the page
// allocation API.
type PhysicalPage struct {
	// Frame is the first frame of the run.
	Frame Frame

	// Count is the number of frames the caller asked for.
	Count uintptr
}

// Address returns the physical address of the first frame in the run.
func (p PhysicalPage) Address() PhysAddr { return p.Frame.Address() }

// Size returns the size of the run in bytes.
func (p PhysicalPage) Size() uintptr { return p.Count << PageShift }

func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }

func alignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool { return v != 0 && v&(v-1) == 0 }
