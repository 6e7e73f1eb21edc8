package pmm

import (
	"math/bits"

	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/sync"
)

// frameState describes the role of a frame inside the buddy allocator.
type frameState uint8

const (
	// frameReserved marks frames that are not backed by usable memory or
	// that were claimed before the allocator was initialized.
	frameReserved frameState = iota

	// frameTail marks frames that belong to a block but are not its head.
	frameTail

	// frameFree marks the head of a free block.
	frameFree

	// frameAllocated marks the head of an allocated block.
	frameAllocated
)

// noLink terminates the intrusive free lists.
const noLink = ^uint32(0)

// MaxSpanFrames bounds the distance between the first and the last
// available frame. Metadata is kept for every frame in that span, holes
// included, so a sparse memory map costs as much as a dense one: the limit
// (256 GiB) keeps the buddy metadata under 768 MiB.
const MaxSpanFrames = 1 << 26

// frameInfo is the per-frame metadata kept by the buddy allocator. Free
// blocks are chained through their head frames.
type frameInfo struct {
	prev, next uint32
	state      frameState
	order      uint8
}

// freeList is the head of a doubly linked list of free blocks of one order.
type freeList struct {
	head  uint32
	count uint64
}

// BuddyAllocator is the kernel's physical frame allocator. It manages the
// frames of the available memory regions as power-of-two sized blocks; a
// block of order k spans 2^k frames and its first frame is a multiple of 2^k.
type BuddyAllocator struct {
	mutex sync.Spinlock

	maxOrder int

	// baseFrame is the first frame covered by the frames slice.
	baseFrame mm.Frame
	frames    []frameInfo
	freeLists []freeList

	totalFrames uint64
	freeFrames  uint64

	allocCount, freeCount uint64
}

// NewBuddyAllocator builds an allocator over the available frame runs. The
// runs listed in reserved (kernel image, boot allocator frames) are excluded
// and never coalesce with their neighbours. maxOrder is the number of free
// lists; the largest block holds 2^(maxOrder-1) frames.
//
// The per-frame metadata covers every frame from the lowest to the highest
// available one. Maps whose span exceeds MaxSpanFrames are rejected with
// mm.ErrInvalidRange.
func NewBuddyAllocator(maxOrder int, available, reserved []mm.PhysicalPage) (*BuddyAllocator, *kernel.Error) {
	if maxOrder < 1 || maxOrder > 32 {
		return nil, mm.ErrInvalidRange
	}

	alloc := &BuddyAllocator{
		maxOrder:  maxOrder,
		freeLists: make([]freeList, maxOrder),
	}
	for order := range alloc.freeLists {
		alloc.freeLists[order].head = noLink
	}

	if len(available) == 0 {
		return alloc, nil
	}

	first, last := mm.InvalidFrame, mm.Frame(0)
	for _, run := range available {
		if run.Count == 0 {
			continue
		}
		if run.Frame < first {
			first = run.Frame
		}
		if end := run.Frame + mm.Frame(run.Count) - 1; end > last {
			last = end
		}
	}
	if !first.Valid() {
		return alloc, nil
	}
	if uint64(last-first+1) > MaxSpanFrames {
		return nil, mm.ErrInvalidRange
	}

	alloc.baseFrame = first
	alloc.frames = make([]frameInfo, last-first+1)
	for index := range alloc.frames {
		alloc.frames[index] = frameInfo{prev: noLink, next: noLink, state: frameReserved}
	}

	// Mark the usable frames and then punch out the reserved runs.
	for _, run := range available {
		for frame := run.Frame; frame < run.Frame+mm.Frame(run.Count); frame++ {
			alloc.frames[frame-first].state = frameTail
		}
	}
	for _, run := range reserved {
		for frame := run.Frame; frame < run.Frame+mm.Frame(run.Count); frame++ {
			if alloc.inRange(frame) {
				alloc.frames[frame-first].state = frameReserved
			}
		}
	}

	// Seed the free lists with the largest naturally aligned blocks that
	// fit in each run of usable frames.
	for index := 0; index < len(alloc.frames); {
		if alloc.frames[index].state != frameTail {
			index++
			continue
		}

		runEnd := index
		for runEnd < len(alloc.frames) && alloc.frames[runEnd].state == frameTail {
			runEnd++
		}

		for frame := first + mm.Frame(index); frame < first+mm.Frame(runEnd); {
			order := alloc.maxOrder - 1
			for order > 0 && (uintptr(frame)&(uintptr(1)<<uint(order)-1) != 0 || frame+mm.Frame(1)<<uint(order) > first+mm.Frame(runEnd)) {
				order--
			}

			alloc.pushFree(frame, order)
			alloc.totalFrames += uint64(1) << uint(order)
			frame += mm.Frame(1) << uint(order)
		}
		index = runEnd
	}
	alloc.freeFrames = alloc.totalFrames

	return alloc, nil
}

// MaxOrder returns the number of free lists managed by the allocator.
func (alloc *BuddyAllocator) MaxOrder() int {
	return alloc.maxOrder
}

// Allocate reserves a block of 2^order contiguous frames and returns its
// first frame.
func (alloc *BuddyAllocator) Allocate(order int) (mm.Frame, *kernel.Error) {
	if order < 0 || order >= alloc.maxOrder {
		return mm.InvalidFrame, mm.ErrInvalidRange
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	current := order
	for current < alloc.maxOrder && alloc.freeLists[current].head == noLink {
		current++
	}
	if current == alloc.maxOrder {
		return mm.InvalidFrame, mm.ErrPhysOutOfMemory
	}

	frame := alloc.popFree(current)

	// Split the block down to the requested order; the upper half of each
	// split is returned to the free list of the lower order.
	for current > order {
		current--
		alloc.pushFree(frame+mm.Frame(1)<<uint(current), current)
	}

	info := alloc.info(frame)
	info.state = frameAllocated
	info.order = uint8(order)

	alloc.freeFrames -= uint64(1) << uint(order)
	alloc.allocCount++
	return frame, nil
}

// Free returns a block previously obtained through Allocate with the same
// order. The block is merged with its buddy as long as the buddy is free.
func (alloc *BuddyAllocator) Free(frame mm.Frame, order int) *kernel.Error {
	if order < 0 || order >= alloc.maxOrder {
		return mm.ErrInvalidRange
	}
	if !alloc.inRange(frame) || uintptr(frame)&(uintptr(1)<<uint(order)-1) != 0 {
		return mm.ErrInvalidPage
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	info := alloc.info(frame)
	if info.state != frameAllocated || int(info.order) != order {
		kfmt.Panic(mm.ErrCorruptedMemory)
		return mm.ErrCorruptedMemory
	}
	info.state = frameTail

	alloc.freeFrames += uint64(1) << uint(order)
	alloc.freeCount++

	for order < alloc.maxOrder-1 {
		buddy := frame ^ mm.Frame(1)<<uint(order)
		if !alloc.inRange(buddy) {
			break
		}

		buddyInfo := alloc.info(buddy)
		if buddyInfo.state != frameFree || int(buddyInfo.order) != order {
			break
		}

		alloc.unlink(buddy, order)
		buddyInfo.state = frameTail
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	alloc.pushFree(frame, order)
	return nil
}

// AllocFrame implements mm.FrameAllocator.
func (alloc *BuddyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.Allocate(0)
}

// FreeFrame implements mm.FrameAllocator.
func (alloc *BuddyAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.Free(frame, 0)
}

// OrderForPages returns the smallest order whose blocks hold count frames.
func OrderForPages(count uintptr) int {
	if count <= 1 {
		return 0
	}
	return bits.Len(uint(count - 1))
}

// AllocatePages reserves at least count contiguous frames. The run is backed
// by a single block of OrderForPages(count).
func (alloc *BuddyAllocator) AllocatePages(count uintptr) (mm.PhysicalPage, *kernel.Error) {
	if count == 0 {
		return mm.PhysicalPage{}, mm.ErrInvalidRange
	}

	frame, err := alloc.Allocate(OrderForPages(count))
	if err != nil {
		return mm.PhysicalPage{}, err
	}
	return mm.PhysicalPage{Frame: frame, Count: count}, nil
}

// FreePages releases a run obtained through AllocatePages.
func (alloc *BuddyAllocator) FreePages(page mm.PhysicalPage) *kernel.Error {
	if page.Count == 0 {
		return mm.ErrInvalidRange
	}
	return alloc.Free(page.Frame, OrderForPages(page.Count))
}

// FreeFrames returns the number of free frames.
func (alloc *BuddyAllocator) FreeFrames() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freeFrames
}

// Stats fills in the physical memory fields of a MemoryStats snapshot.
func (alloc *BuddyAllocator) Stats(stats *mm.MemoryStats) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	stats.TotalFrames = alloc.totalFrames
	stats.FreeFrames = alloc.freeFrames
	stats.AllocatedFrames = alloc.totalFrames - alloc.freeFrames
	stats.FrameAllocs = alloc.allocCount
	stats.FrameFrees = alloc.freeCount

	stats.FreeBlocks = make([]uint64, alloc.maxOrder)
	stats.LargestFreeOrder = -1
	for order := range alloc.freeLists {
		stats.FreeBlocks[order] = alloc.freeLists[order].count
		if alloc.freeLists[order].count != 0 {
			stats.LargestFreeOrder = order
		}
	}

	stats.FragmentationPct = 0
	if alloc.freeFrames != 0 {
		largest := uint64(1) << uint(stats.LargestFreeOrder)
		stats.FragmentationPct = 100 - largest*100/alloc.freeFrames
	}
}

var (
	errFreeListMisaligned = &kernel.Error{Module: "pmm", Message: "free block is not aligned to its order"}
	errFreeListState      = &kernel.Error{Module: "pmm", Message: "free list entry is not a free block head"}
	errFreeListBuddies    = &kernel.Error{Module: "pmm", Message: "free list holds two buddies of the same order"}
	errFreeListCount      = &kernel.Error{Module: "pmm", Message: "free frame count does not match the free lists"}
)

// CheckInvariants walks the free lists and verifies that every free block is
// aligned to its order, that no two free buddies of the same order coexist
// and that the free lists account for every free frame.
func (alloc *BuddyAllocator) CheckInvariants() *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var free uint64
	for order := range alloc.freeLists {
		var count uint64
		for link := alloc.freeLists[order].head; link != noLink; link = alloc.frames[link].next {
			frame := alloc.baseFrame + mm.Frame(link)
			info := &alloc.frames[link]

			if info.state != frameFree || int(info.order) != order {
				return errFreeListState
			}
			if uintptr(frame)&(uintptr(1)<<uint(order)-1) != 0 {
				return errFreeListMisaligned
			}

			if order < alloc.maxOrder-1 {
				buddy := frame ^ mm.Frame(1)<<uint(order)
				if alloc.inRange(buddy) {
					if buddyInfo := alloc.info(buddy); buddyInfo.state == frameFree && int(buddyInfo.order) == order {
						return errFreeListBuddies
					}
				}
			}

			count++
			free += uint64(1) << uint(order)
		}

		if count != alloc.freeLists[order].count {
			return errFreeListCount
		}
	}

	if free != alloc.freeFrames {
		return errFreeListCount
	}
	return nil
}

func (alloc *BuddyAllocator) inRange(frame mm.Frame) bool {
	return frame >= alloc.baseFrame && uint64(frame-alloc.baseFrame) < uint64(len(alloc.frames))
}

func (alloc *BuddyAllocator) info(frame mm.Frame) *frameInfo {
	return &alloc.frames[frame-alloc.baseFrame]
}

// pushFree marks frame as the head of a free block and inserts it at the
// front of the free list for order.
func (alloc *BuddyAllocator) pushFree(frame mm.Frame, order int) {
	link := uint32(frame - alloc.baseFrame)
	list := &alloc.freeLists[order]

	info := &alloc.frames[link]
	info.state = frameFree
	info.order = uint8(order)
	info.prev = noLink
	info.next = list.head
	if list.head != noLink {
		alloc.frames[list.head].prev = link
	}
	list.head = link
	list.count++
}

// popFree removes the first block from the free list for order.
func (alloc *BuddyAllocator) popFree(order int) mm.Frame {
	frame := alloc.baseFrame + mm.Frame(alloc.freeLists[order].head)
	alloc.unlink(frame, order)
	alloc.info(frame).state = frameTail
	return frame
}

// unlink removes a free block from the free list for order.
func (alloc *BuddyAllocator) unlink(frame mm.Frame, order int) {
	link := uint32(frame - alloc.baseFrame)
	list := &alloc.freeLists[order]
	info := &alloc.frames[link]

	if info.prev != noLink {
		alloc.frames[info.prev].next = info.next
	} else {
		list.head = info.next
	}
	if info.next != noLink {
		alloc.frames[info.next].prev = info.prev
	}

	info.prev, info.next = noLink, noLink
	list.count--
}

// Span returns the run of frames covered by the allocator metadata. Every
// frame the allocator can hand out lies inside it.
func (alloc *BuddyAllocator) Span() mm.PhysicalPage {
	return mm.PhysicalPage{Frame: alloc.baseFrame, Count: uintptr(len(alloc.frames))}
}
