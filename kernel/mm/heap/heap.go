// Package heap implements the kernel heap: small requests are served by the
// slab allocator through per-CPU caches, large requests directly by the
// buddy allocator. Every block handed out is zero-filled.
package heap

import (
	"sync/atomic"

	"nos/kernel"
	"nos/kernel/cpu"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/mm/pmm"
	"nos/kernel/mm/slab"
	"nos/kernel/sync"
)

var (
	// currentCPUFn reports the CPU whose cache serves a request. It is
	// mocked by tests.
	currentCPUFn = cpu.CurrentID
)

// PageAllocator supplies the blocks for large allocations and for slabs.
type PageAllocator interface {
	slab.PageAllocator

	// MaxOrder returns the number of block orders; the largest block
	// holds 2^(MaxOrder-1) frames.
	MaxOrder() int

	// FreeFrames returns the number of free frames.
	FreeFrames() uint64
}

// ZeroSizeAddr returns the address handed out for zero-sized allocations.
// It lies at the top of the address space, is aligned to align and must
// never be dereferenced.
func ZeroSizeAddr(align uintptr) mm.PhysAddr {
	return mm.PhysAddr(^uintptr(0) &^ (align - 1))
}

// Allocator is the kernel heap.
type Allocator struct {
	mem   *mm.PhysMemory
	pages PageAllocator
	slabs *slab.Allocator
	cache *PerCPUCache

	maxBlock uintptr

	// large records the order of every block handed out by the page path.
	largeLock sync.Spinlock
	large     map[mm.PhysAddr]int

	allocCount   atomic.Uint64
	freeCount    atomic.Uint64
	failureCount atomic.Uint64
	bytesInUse   atomic.Uint64
}

// New returns a heap that draws memory from pages.
func New(mem *mm.PhysMemory, pages PageAllocator, cfg *mm.Config) *Allocator {
	slabs := slab.New(mem, pages, cfg)
	return &Allocator{
		mem:      mem,
		pages:    pages,
		slabs:    slabs,
		cache:    NewPerCPUCache(slabs, cfg),
		maxBlock: mm.PageSize << uint(pages.MaxOrder()-1),
		large:    make(map[mm.PhysAddr]int),
	}
}

// Slabs returns the slab allocator backing small allocations.
func (alloc *Allocator) Slabs() *slab.Allocator {
	return alloc.slabs
}

// Cache returns the per-CPU cache.
func (alloc *Allocator) Cache() *PerCPUCache {
	return alloc.cache
}

// Allocate reserves a zero-filled block matching layout on behalf of the
// current CPU.
func (alloc *Allocator) Allocate(layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	return alloc.AllocateOn(currentCPUFn(), layout)
}

// AllocateOn reserves a zero-filled block matching layout using the cache
// of CPU id.
func (alloc *Allocator) AllocateOn(id int, layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	addr, err := alloc.allocate(id, layout)
	if err != nil {
		alloc.failureCount.Add(1)
	}
	return addr, err
}

func (alloc *Allocator) allocate(id int, layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	if err := layout.Validate(); err != nil {
		return 0, err
	}
	if layout.Align > alloc.maxBlock {
		return 0, mm.ErrInvalidAlignment
	}
	if layout.Size == 0 {
		return ZeroSizeAddr(layout.Align), nil
	}
	if layout.Size > alloc.maxBlock {
		return 0, mm.ErrInvalidSize
	}

	addr, blockSize, err := alloc.allocateBlock(id, layout)
	if err == mm.ErrPhysOutOfMemory {
		// Return cached and empty slabs to the buddy allocator and try
		// once more.
		alloc.reclaim()
		addr, blockSize, err = alloc.allocateBlock(id, layout)
	}

	switch {
	case err == mm.ErrPhysOutOfMemory:
		if order := largeOrder(layout); !isSmall(layout) && order > 0 && alloc.pages.FreeFrames() >= uint64(1)<<uint(order) {
			return 0, mm.ErrTooFragmented
		}
		return 0, mm.ErrOutOfMemory
	case err != nil:
		return 0, err
	}

	if err = alloc.mem.Memset(addr, 0, blockSize); err != nil {
		return 0, err
	}

	alloc.allocCount.Add(1)
	alloc.bytesInUse.Add(uint64(blockSize))
	return addr, nil
}

// allocateBlock returns a block that satisfies layout and its size.
func (alloc *Allocator) allocateBlock(id int, layout mm.Layout) (mm.PhysAddr, uintptr, *kernel.Error) {
	if isSmall(layout) {
		class, _ := slab.ClassIndex(smallSize(layout))
		addr, err := alloc.cache.Allocate(id, class)
		return addr, slab.ClassSize(class), err
	}

	order := largeOrder(layout)
	frame, err := alloc.pages.Allocate(order)
	if err != nil {
		return 0, 0, err
	}

	addr := frame.Address()
	alloc.largeLock.Acquire()
	alloc.large[addr] = order
	alloc.largeLock.Release()

	return addr, mm.PageSize << uint(order), nil
}

// Deallocate releases a block obtained through Allocate on behalf of the
// current CPU. Releasing a nil address or a zero size is a no-op.
func (alloc *Allocator) Deallocate(addr mm.PhysAddr, size uintptr) *kernel.Error {
	return alloc.DeallocateOn(currentCPUFn(), addr, size)
}

// DeallocateOn releases a block using the cache of CPU id.
func (alloc *Allocator) DeallocateOn(id int, addr mm.PhysAddr, size uintptr) *kernel.Error {
	if addr == 0 || size == 0 {
		return nil
	}

	if class, ok := alloc.slabs.Owner(addr); ok {
		if size > slab.ClassSize(class) {
			return mm.ErrInvalidSize
		}
		if err := alloc.cache.Free(id, class, addr); err != nil {
			return err
		}
		alloc.freeCount.Add(1)
		alloc.bytesInUse.Add(^uint64(slab.ClassSize(class) - 1))
		return nil
	}

	alloc.largeLock.Acquire()
	order, ok := alloc.large[addr]
	if ok {
		if pagesOrder(size) > order {
			alloc.largeLock.Release()
			return mm.ErrInvalidSize
		}
		delete(alloc.large, addr)
	}
	alloc.largeLock.Release()

	if !ok {
		kfmt.Panic(mm.ErrCorruptedAllocator)
		return mm.ErrCorruptedAllocator
	}

	if err := alloc.pages.Free(addr.Frame(), order); err != nil {
		return err
	}
	alloc.freeCount.Add(1)
	alloc.bytesInUse.Add(^uint64(mm.PageSize<<uint(order) - 1))
	return nil
}

// Reallocate resizes the block at addr from oldSize to newSize bytes. The
// contents up to the smaller of the two sizes are preserved. A nil address
// or a zero oldSize behaves like Allocate; a zero newSize behaves like
// Deallocate and returns the zero-size address.
func (alloc *Allocator) Reallocate(addr mm.PhysAddr, oldSize, newSize, align uintptr) (mm.PhysAddr, *kernel.Error) {
	newLayout := mm.NewLayout(newSize, align)
	if err := newLayout.Validate(); err != nil {
		alloc.failureCount.Add(1)
		return 0, err
	}

	switch {
	case addr == 0 || oldSize == 0:
		return alloc.Allocate(newLayout)
	case newSize == 0:
		if err := alloc.Deallocate(addr, oldSize); err != nil {
			return 0, err
		}
		return ZeroSizeAddr(newLayout.Align), nil
	}

	// Resize in place if the new layout maps to the same block size.
	if blockSize, ok := alloc.blockSize(addr); ok && addr.IsAligned(newLayout.Align) && alloc.sameBlock(blockSize, newLayout) {
		if newSize > oldSize {
			if err := alloc.mem.Memset(addr+mm.PhysAddr(oldSize), 0, newSize-oldSize); err != nil {
				return 0, err
			}
		}
		return addr, nil
	}

	newAddr, err := alloc.Allocate(newLayout)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	if err = alloc.mem.Memcopy(addr, newAddr, copySize); err != nil {
		_ = alloc.Deallocate(newAddr, newSize)
		return 0, err
	}

	if err = alloc.Deallocate(addr, oldSize); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// Bytes returns a view of the size bytes at addr.
func (alloc *Allocator) Bytes(addr mm.PhysAddr, size uintptr) ([]byte, *kernel.Error) {
	return alloc.mem.Slice(addr, size)
}

// Stats fills in the heap fields of a MemoryStats snapshot.
func (alloc *Allocator) Stats(stats *mm.MemoryStats) {
	alloc.slabs.Stats(stats)
	stats.HeapAllocs = alloc.allocCount.Load()
	stats.HeapFrees = alloc.freeCount.Load()
	stats.HeapFailures = alloc.failureCount.Load()
	stats.HeapInUse = alloc.bytesInUse.Load()
	stats.PerCPUCached = alloc.cache.Cached()
}

// Reclaim flushes the per-CPU caches and releases empty slabs. It returns
// the number of frames given back to the page allocator.
func (alloc *Allocator) Reclaim() uint64 {
	return alloc.reclaim()
}

func (alloc *Allocator) reclaim() uint64 {
	if err := alloc.cache.DrainAll(); err != nil {
		kfmt.Panic(err)
	}
	return alloc.slabs.Shrink()
}

// blockSize returns the size of the live block starting at addr.
func (alloc *Allocator) blockSize(addr mm.PhysAddr) (uintptr, bool) {
	if class, ok := alloc.slabs.Owner(addr); ok {
		return slab.ClassSize(class), true
	}

	alloc.largeLock.Acquire()
	defer alloc.largeLock.Release()
	if order, ok := alloc.large[addr]; ok {
		return mm.PageSize << uint(order), true
	}
	return 0, false
}

func (alloc *Allocator) sameBlock(blockSize uintptr, layout mm.Layout) bool {
	if isSmall(layout) {
		class, _ := slab.ClassIndex(smallSize(layout))
		return slab.ClassSize(class) == blockSize
	}
	return blockSize > slab.MaxObjectSize && mm.PageSize<<uint(largeOrder(layout)) == blockSize
}

// isSmall returns true if layout is served by the slab allocator.
func isSmall(layout mm.Layout) bool {
	return smallSize(layout) <= slab.MaxObjectSize
}

func smallSize(layout mm.Layout) uintptr {
	if layout.Align > layout.Size {
		return layout.Align
	}
	return layout.Size
}

// largeOrder returns the buddy order for a request served by the page path.
// Blocks of order k are aligned to 2^k pages so the order also covers the
// requested alignment.
func largeOrder(layout mm.Layout) int {
	order := pagesOrder(layout.Size)
	if layout.Align > mm.PageSize {
		if alignOrder := pmm.OrderForPages(layout.Align >> mm.PageShift); alignOrder > order {
			order = alignOrder
		}
	}
	return order
}

// pagesOrder returns the order of the smallest block holding size bytes.
func pagesOrder(size uintptr) int {
	return pmm.OrderForPages((size + mm.PageSize - 1) >> mm.PageShift)
}
