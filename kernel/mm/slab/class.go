package slab

import "math/bits"

const (
	// MinObjectSize is the size of the smallest size class. Free objects
	// store the address of the next free object in their first word so no
	// class can be smaller than a pointer.
	MinObjectSize = uintptr(8)

	// MaxObjectSize is the size of the largest size class. Larger requests
	// are served directly by the page allocator.
	MaxObjectSize = uintptr(2048)

	minClassShift = 3

	// NumClasses is the number of size classes.
	NumClasses = 9
)

// ClassIndex returns the index of the smallest size class that can hold
// size bytes. It returns false if size is 0 or larger than MaxObjectSize.
func ClassIndex(size uintptr) (int, bool) {
	switch {
	case size == 0 || size > MaxObjectSize:
		return -1, false
	case size <= MinObjectSize:
		return 0, true
	}

	return bits.Len(uint(size-1)) - minClassShift, true
}

// ClassSize returns the object size of the size class with the given index.
func ClassSize(class int) uintptr {
	return MinObjectSize << uint(class)
}
