// Package vmm implements page table management for the supported paging
// schemes and the virtual memory mapping services built on top of it.
//
// Page tables live in physical memory and are only ever accessed through an
// mm.PhysMemory; table frames are obtained from an injected
// mm.FrameAllocator. The architecture-specific entry encoding is provided by
// a PageTableOps implementation so that the walking code is shared by all
// architectures.
package vmm

import (
	"nos/kernel"
	"nos/kernel/cpu"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"sync/atomic"
)

var (
	// the following functions are mocked by tests so TLB maintenance and
	// page table switches can be observed.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBAllFn   = cpu.FlushTLBAll
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
)

// MMU bundles the state shared by all page tables of the system: the paging
// scheme, the physical memory that holds the tables and the allocator that
// provides table frames.
type MMU struct {
	arch   PageTableOps
	mem    *mm.PhysMemory
	frames mm.FrameAllocator

	// zeroFrame is a zero-cleared frame that may be shared by read-only
	// mappings. Once protectZeroFrame is set it can no longer be mapped
	// with a RW flag.
	zeroFrame        mm.Frame
	protectZeroFrame bool

	tableFrames atomic.Int64
}

// NewMMU returns an MMU that uses the supplied paging scheme and allocates
// table frames from frames.
func NewMMU(arch PageTableOps, mem *mm.PhysMemory, frames mm.FrameAllocator) *MMU {
	return &MMU{
		arch:      arch,
		mem:       mem,
		frames:    frames,
		zeroFrame: mm.InvalidFrame,
	}
}

// Arch returns the paging scheme used by this MMU.
func (m *MMU) Arch() PageTableOps { return m.arch }

// ProtectZeroedFrame registers frame as the reserved zero frame. The frame
// must already be cleared; attempts to map it with a RW flag fail with
// mm.ErrPermissionDenied from this point on.
func (m *MMU) ProtectZeroedFrame(frame mm.Frame) {
	m.zeroFrame = frame
	m.protectZeroFrame = true
}

// ReservedZeroedFrame returns the reserved zero frame or mm.InvalidFrame if
// none has been registered.
func (m *MMU) ReservedZeroedFrame() mm.Frame {
	if !m.protectZeroFrame {
		return mm.InvalidFrame
	}
	return m.zeroFrame
}

// TableFrames returns the number of frames currently used as page tables by
// all page tables created through this MMU.
func (m *MMU) TableFrames() uint64 {
	return uint64(m.tableFrames.Load())
}

// NewPageTable allocates a zeroed root table and returns an empty page table.
func (m *MMU) NewPageTable() (*PageTable, *kernel.Error) {
	pt := &PageTable{mmu: m, arch: m.arch}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}

	pt.root = root
	return pt, nil
}

// allocTableFrame reserves and clears a frame for use as a page table.
func (m *MMU) allocTableFrame() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = m.mem.Memset(frame.Address(), 0, mm.PageSize); err != nil {
		_ = m.frames.FreeFrame(frame)
		return mm.InvalidFrame, mm.ErrPageTableError
	}

	m.tableFrames.Add(1)
	return frame, nil
}

// freeTableFrame returns a table frame to the frame allocator.
func (m *MMU) freeTableFrame(frame mm.Frame) {
	if err := m.frames.FreeFrame(frame); err != nil {
		kfmt.Panic(err)
	}
	m.tableFrames.Add(-1)
}
