package mm

// MemoryStats is a point-in-time snapshot of the memory-management core.
type MemoryStats struct {
	// Physical frames.
	TotalFrames     uint64
	FreeFrames      uint64
	AllocatedFrames uint64

	// FreeBlocks[order] is the number of free buddy blocks of that order.
	FreeBlocks []uint64

	// LargestFreeOrder is the order of the largest free block or -1 if no
	// memory is free.
	LargestFreeOrder int

	// FragmentationPct is 100 * (1 - largest free block / free frames).
	// It is 0 when all free memory is one block and approaches 100 as free
	// memory is scattered over small blocks.
	FragmentationPct uint64

	// Buddy allocator counters.
	FrameAllocs uint64
	FrameFrees  uint64

	// Kernel heap counters.
	HeapAllocs   uint64
	HeapFrees    uint64
	HeapFailures uint64
	HeapInUse    uint64

	// Slab usage.
	SlabPages        uint64
	SlabObjectsInUse uint64
	PerCPUCached     uint64

	// Frames used by page tables of all address spaces.
	PageTableFrames uint64
}

// UsedBytes returns the number of bytes in allocated frames.
func (s MemoryStats) UsedBytes() Size { return Size(s.AllocatedFrames << PageShift) }

// FreeBytes returns the number of bytes in free frames.
func (s MemoryStats) FreeBytes() Size { return Size(s.FreeFrames << PageShift) }
