package slab

import (
	"nos/kernel"
	"nos/kernel/mm"
)

// endOfList terminates the embedded free list of a slab.
const endOfList = ^uint64(0)

type listKind uint8

const (
	listNone listKind = iota
	listPartial
	listFull
	listEmpty
)

// slab is a buddy block carved into equally sized objects. Free objects are
// chained through their first word; the bitmap tracks which objects are
// handed out so that double frees can be detected.
type slab struct {
	base    mm.PhysAddr
	frame   mm.Frame
	class   int
	objSize uintptr

	capacity int
	inUse    int
	freeHead uint64

	allocated []uint64

	// list links for the cache list the slab currently sits on.
	prev, next *slab
	list       listKind
}

// init carves the slab memory into objects and chains them onto the free
// list in ascending address order.
func (s *slab) init(mem *mm.PhysMemory) *kernel.Error {
	s.freeHead = endOfList
	for index := s.capacity - 1; index >= 0; index-- {
		obj := s.base + mm.PhysAddr(uintptr(index)*s.objSize)
		if err := mem.WriteUint64(obj, s.freeHead); err != nil {
			return err
		}
		s.freeHead = uint64(obj)
	}

	s.allocated = make([]uint64, (s.capacity+63)/64)
	s.inUse = 0
	return nil
}

// pop removes the first object from the free list.
func (s *slab) pop(mem *mm.PhysMemory) (mm.PhysAddr, *kernel.Error) {
	obj := mm.PhysAddr(s.freeHead)
	next, err := mem.ReadUint64(obj)
	if err != nil {
		return 0, err
	}

	index, ok := s.objectIndex(obj)
	if !ok || s.isAllocated(index) {
		return 0, mm.ErrCorruptedAllocator
	}

	s.freeHead = next
	s.setAllocated(index, true)
	s.inUse++
	return obj, nil
}

// push returns obj to the free list. It fails if obj is not the start of an
// object of this slab or if the object is not currently allocated.
func (s *slab) push(mem *mm.PhysMemory, obj mm.PhysAddr) *kernel.Error {
	index, ok := s.objectIndex(obj)
	if !ok || !s.isAllocated(index) {
		return mm.ErrCorruptedAllocator
	}

	if err := mem.WriteUint64(obj, s.freeHead); err != nil {
		return err
	}

	s.freeHead = uint64(obj)
	s.setAllocated(index, false)
	s.inUse--
	return nil
}

func (s *slab) objectIndex(obj mm.PhysAddr) (int, bool) {
	if obj < s.base {
		return 0, false
	}

	offset := uintptr(obj - s.base)
	if offset%s.objSize != 0 {
		return 0, false
	}

	index := int(offset / s.objSize)
	return index, index < s.capacity
}

func (s *slab) isAllocated(index int) bool {
	return s.allocated[index>>6]&(1<<uint(index&63)) != 0
}

func (s *slab) setAllocated(index int, allocated bool) {
	if allocated {
		s.allocated[index>>6] |= 1 << uint(index&63)
	} else {
		s.allocated[index>>6] &^= 1 << uint(index&63)
	}
}

// slabList is a doubly linked list of slabs.
type slabList struct {
	kind       listKind
	head, tail *slab
	count      int
}

// pushBack appends s to the list.
func (l *slabList) pushBack(s *slab) {
	s.list = l.kind
	s.prev, s.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
	l.count++
}

// popFront removes and returns the first slab of the list or nil if the list
// is empty.
func (l *slabList) popFront() *slab {
	s := l.head
	if s != nil {
		l.remove(s)
	}
	return s
}

// remove unlinks s from the list.
func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}

	s.prev, s.next = nil, nil
	s.list = listNone
	l.count--
}
