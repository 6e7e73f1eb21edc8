// Package slab implements the kernel's small object allocator. Objects of up
// to MaxObjectSize bytes are grouped into power-of-two size classes; each
// class owns a cache of slabs, each slab being a block obtained from the
// page allocator and carved into equally sized objects.
package slab

import (
	"math/bits"
	"sync/atomic"

	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/sync"
)

// PageAllocator supplies the blocks that back slabs.
type PageAllocator interface {
	// Allocate reserves a block of 2^order contiguous frames.
	Allocate(order int) (mm.Frame, *kernel.Error)

	// Free releases a block obtained through Allocate.
	Free(frame mm.Frame, order int) *kernel.Error

	// Span returns the run of frames that Allocate can return.
	Span() mm.PhysicalPage
}

// cache holds the slabs of a single size class.
type cache struct {
	objSize uintptr

	partial slabList
	full    slabList
	empty   slabList

	objectsInUse uint64
	allocCount   uint64
	freeCount    uint64
}

// CacheInfo describes the state of a size class cache.
type CacheInfo struct {
	ObjectSize     uintptr
	ObjectsPerSlab int
	PartialSlabs   int
	FullSlabs      int
	EmptySlabs     int
	ObjectsInUse   uint64
	Allocs, Frees  uint64
}

// Allocator is the slab allocator. A single lock serializes all caches;
// object to slab resolution goes through a frame-indexed owner table that
// can be read without holding the lock.
type Allocator struct {
	mutex sync.Spinlock

	mem   *mm.PhysMemory
	pages PageAllocator

	slabOrder     int
	slabBytes     uintptr
	maxEmptySlabs int

	caches [NumClasses]cache

	// owners maps each frame of the page allocator span to the slab that
	// uses it.
	ownerBase mm.Frame
	owners    []atomic.Pointer[slab]

	slabPages uint64
}

// New returns a slab allocator that obtains slabs of cfg.SlabBytes
// (rounded up to a power-of-two number of pages) from pages. At most
// cfg.MaxEmptySlabs empty slabs are kept per size class.
func New(mem *mm.PhysMemory, pages PageAllocator, cfg *mm.Config) *Allocator {
	slabPages := (cfg.SlabBytes + mm.PageSize - 1) >> mm.PageShift
	order := 0
	if slabPages > 1 {
		order = bits.Len(uint(slabPages - 1))
	}

	span := pages.Span()
	alloc := &Allocator{
		mem:           mem,
		pages:         pages,
		slabOrder:     order,
		slabBytes:     mm.PageSize << uint(order),
		maxEmptySlabs: cfg.MaxEmptySlabs,
		ownerBase:     span.Frame,
		owners:        make([]atomic.Pointer[slab], span.Count),
	}

	for class := range alloc.caches {
		c := &alloc.caches[class]
		c.objSize = ClassSize(class)
		c.partial.kind = listPartial
		c.full.kind = listFull
		c.empty.kind = listEmpty
	}

	return alloc
}

// SlabBytes returns the size of a single slab.
func (alloc *Allocator) SlabBytes() uintptr {
	return alloc.slabBytes
}

// Allocate returns a zeroed object from the smallest size class that can
// hold size bytes.
func (alloc *Allocator) Allocate(size uintptr) (mm.PhysAddr, *kernel.Error) {
	class, ok := ClassIndex(size)
	if !ok {
		return 0, mm.ErrInvalidSize
	}

	var obj [1]mm.PhysAddr
	if _, err := alloc.AllocateBatch(class, obj[:]); err != nil {
		return 0, err
	}

	if err := alloc.mem.Memset(obj[0], 0, ClassSize(class)); err != nil {
		return 0, err
	}
	return obj[0], nil
}

// AllocateBatch fills dst with objects of the given size class and returns
// the number of objects stored. Objects are not cleared. An error is only
// returned if no object at all could be allocated.
func (alloc *Allocator) AllocateBatch(class int, dst []mm.PhysAddr) (int, *kernel.Error) {
	if class < 0 || class >= NumClasses {
		return 0, mm.ErrInvalidSize
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	c := &alloc.caches[class]
	for count := range dst {
		obj, err := alloc.allocObject(c, class)
		if err != nil {
			if count == 0 {
				return 0, err
			}
			return count, nil
		}
		dst[count] = obj
	}

	return len(dst), nil
}

// Free returns an object to its slab.
func (alloc *Allocator) Free(addr mm.PhysAddr) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.freeObject(-1, addr)
}

// FreeBatch returns objects of the given size class to their slabs.
func (alloc *Allocator) FreeBatch(class int, objs []mm.PhysAddr) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for _, obj := range objs {
		if err := alloc.freeObject(class, obj); err != nil {
			return err
		}
	}
	return nil
}

// Owner returns the size class of the slab that addr belongs to. It returns
// false if addr does not belong to a slab.
func (alloc *Allocator) Owner(addr mm.PhysAddr) (int, bool) {
	s := alloc.owner(addr)
	if s == nil {
		return -1, false
	}
	return s.class, true
}

// Shrink returns every empty slab to the page allocator and reports the
// number of frames released.
func (alloc *Allocator) Shrink() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var released uint64
	for class := range alloc.caches {
		c := &alloc.caches[class]
		for s := c.empty.popFront(); s != nil; s = c.empty.popFront() {
			alloc.releaseSlab(s)
			released += uint64(alloc.slabBytes >> mm.PageShift)
		}
	}
	return released
}

// CacheInfo returns a snapshot of the cache for the given size class.
func (alloc *Allocator) CacheInfo(class int) CacheInfo {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	c := &alloc.caches[class]
	return CacheInfo{
		ObjectSize:     c.objSize,
		ObjectsPerSlab: int(alloc.slabBytes / c.objSize),
		PartialSlabs:   c.partial.count,
		FullSlabs:      c.full.count,
		EmptySlabs:     c.empty.count,
		ObjectsInUse:   c.objectsInUse,
		Allocs:         c.allocCount,
		Frees:          c.freeCount,
	}
}

// Stats fills in the slab fields of a MemoryStats snapshot.
func (alloc *Allocator) Stats(stats *mm.MemoryStats) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	stats.SlabPages = alloc.slabPages
	stats.SlabObjectsInUse = 0
	for class := range alloc.caches {
		stats.SlabObjectsInUse += alloc.caches[class].objectsInUse
	}
}

// allocObject takes an object from a partial slab, the least recently
// emptied slab or a newly created slab, in that order.
func (alloc *Allocator) allocObject(c *cache, class int) (mm.PhysAddr, *kernel.Error) {
	s := c.partial.head
	if s == nil {
		if s = c.empty.popFront(); s == nil {
			var err *kernel.Error
			if s, err = alloc.newSlab(class); err != nil {
				return 0, err
			}
		}
		c.partial.pushBack(s)
	}

	obj, err := s.pop(alloc.mem)
	if err != nil {
		kfmt.Panic(err)
		return 0, err
	}

	if s.inUse == s.capacity {
		c.partial.remove(s)
		c.full.pushBack(s)
	}

	c.objectsInUse++
	c.allocCount++
	return obj, nil
}

// freeObject returns obj to its slab. If class is not negative the object
// must belong to a slab of that class. Any inconsistency is treated as a
// fatal corruption of the heap.
func (alloc *Allocator) freeObject(class int, obj mm.PhysAddr) *kernel.Error {
	s := alloc.owner(obj)
	if s == nil || (class >= 0 && s.class != class) {
		kfmt.Panic(mm.ErrCorruptedAllocator)
		return mm.ErrCorruptedAllocator
	}

	if err := s.push(alloc.mem, obj); err != nil {
		kfmt.Panic(err)
		return err
	}

	c := &alloc.caches[s.class]
	c.objectsInUse--
	c.freeCount++

	switch {
	case s.inUse == 0:
		if s.list == listFull {
			c.full.remove(s)
		} else {
			c.partial.remove(s)
		}
		c.empty.pushBack(s)

		// Keep at most maxEmptySlabs around; the least recently emptied
		// slab goes back to the page allocator.
		for c.empty.count > alloc.maxEmptySlabs {
			alloc.releaseSlab(c.empty.popFront())
		}
	case s.list == listFull:
		c.full.remove(s)
		c.partial.pushBack(s)
	}

	return nil
}

// newSlab obtains a block from the page allocator and carves it into
// objects of the given class.
func (alloc *Allocator) newSlab(class int) (*slab, *kernel.Error) {
	frame, err := alloc.pages.Allocate(alloc.slabOrder)
	if err != nil {
		return nil, err
	}

	objSize := ClassSize(class)
	s := &slab{
		base:     frame.Address(),
		frame:    frame,
		class:    class,
		objSize:  objSize,
		capacity: int(alloc.slabBytes / objSize),
	}

	if err = s.init(alloc.mem); err != nil {
		_ = alloc.pages.Free(frame, alloc.slabOrder)
		return nil, err
	}

	alloc.setOwner(s, s)
	alloc.slabPages += uint64(alloc.slabBytes >> mm.PageShift)
	return s, nil
}

// releaseSlab returns the memory of an empty slab to the page allocator.
func (alloc *Allocator) releaseSlab(s *slab) {
	alloc.setOwner(s, nil)
	alloc.slabPages -= uint64(alloc.slabBytes >> mm.PageShift)
	if err := alloc.pages.Free(s.frame, alloc.slabOrder); err != nil {
		kfmt.Panic(err)
	}
}

func (alloc *Allocator) setOwner(s, owner *slab) {
	first := int(s.frame - alloc.ownerBase)
	for index := first; index < first+int(alloc.slabBytes>>mm.PageShift); index++ {
		alloc.owners[index].Store(owner)
	}
}

func (alloc *Allocator) owner(addr mm.PhysAddr) *slab {
	frame := addr.Frame()
	if frame < alloc.ownerBase || uint64(frame-alloc.ownerBase) >= uint64(len(alloc.owners)) {
		return nil
	}
	return alloc.owners[frame-alloc.ownerBase].Load()
}
