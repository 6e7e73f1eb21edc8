package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). All supported
	// architectures (amd64, arm64, riscv64) use 64-bit pointers.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageTableEntries is the number of entries in a single page table
	// page (4K granule, 8-byte entries) on every supported architecture.
	PageTableEntries = int(PageSize >> PointerShift)
)
