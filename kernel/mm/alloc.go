package mm

import "nos/kernel"

// FrameAllocator is implemented by physical frame allocators. Consumers that
// need single frames (e.g. page table code) receive one by injection instead
// of reaching for a global allocator.
type FrameAllocator interface {
	// AllocFrame reserves a single physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained via AllocFrame.
	FreeFrame(Frame) *kernel.Error
}

// FrameAllocatorFn adapts a pair of functions to the FrameAllocator
// interface.
type FrameAllocatorFn struct {
	Alloc func() (Frame, *kernel.Error)
	Free  func(Frame) *kernel.Error
}

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) { return fn.Alloc() }

// FreeFrame implements FrameAllocator.
func (fn FrameAllocatorFn) FreeFrame(f Frame) *kernel.Error {
	if fn.Free == nil {
		return nil
	}
	return fn.Free(f)
}

// Layout describes the size and alignment of an allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout returns a Layout for the given size and alignment. An alignment
// of 0 selects the natural word alignment.
func NewLayout(size, align uintptr) Layout {
	if align == 0 {
		align = 1 << PointerShift
	}
	return Layout{Size: size, Align: align}
}

// Validate checks that the layout alignment is a power of two.
func (l Layout) Validate() *kernel.Error {
	if !IsPowerOfTwo(l.Align) {
		return ErrInvalidAlignment
	}
	return nil
}
