package mm

import "nos/kernel"

// Errors returned by the kernel heap (AllocError).
var (
	ErrOutOfMemory        = &kernel.Error{Module: "alloc", Message: "out of memory"}
	ErrInvalidAlignment   = &kernel.Error{Module: "alloc", Message: "alignment must be a power of two no larger than the largest block"}
	ErrInvalidSize        = &kernel.Error{Module: "alloc", Message: "invalid allocation size"}
	ErrCorruptedAllocator = &kernel.Error{Module: "alloc", Message: "allocator metadata corrupted"}
	ErrTooFragmented      = &kernel.Error{Module: "alloc", Message: "enough free memory but no contiguous block large enough"}
)

// Errors returned by the virtual memory code (VmError).
var (
	ErrInvalidAddress       = &kernel.Error{Module: "vmm", Message: "invalid or misaligned virtual address"}
	ErrVMInvalidSize        = &kernel.Error{Module: "vmm", Message: "invalid mapping size"}
	ErrInvalidProtection    = &kernel.Error{Module: "vmm", Message: "invalid protection flags"}
	ErrMappingNotFound      = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
	ErrPermissionDenied     = &kernel.Error{Module: "vmm", Message: "permission denied"}
	ErrAddressAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address already mapped"}
	ErrPageTableError       = &kernel.Error{Module: "vmm", Message: "unexpected page table entry state"}
	ErrTLBError             = &kernel.Error{Module: "vmm", Message: "TLB invalidation failed"}
)

// Errors returned by the physical frame allocators (PhysicalError).
var (
	ErrPhysOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory"}
	ErrInvalidPage          = &kernel.Error{Module: "pmm", Message: "invalid page frame"}
	ErrPageAlreadyAllocated = &kernel.Error{Module: "pmm", Message: "page frame already allocated"}
	ErrInvalidRange         = &kernel.Error{Module: "pmm", Message: "invalid frame range"}
	ErrCorruptedMemory      = &kernel.Error{Module: "pmm", Message: "frame allocator metadata corrupted"}
)
