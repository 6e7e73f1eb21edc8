package vmm

import (
	"nos/kernel"
	"nos/kernel/mm"
)

// Mapper maps and unmaps virtual memory ranges on top of a PageTable.
type Mapper struct {
	pt        *PageTable
	hugePages bool
}

// NewMapper returns a Mapper for the supplied page table. If hugePages is
// set, MapPages promotes fully covered, contiguous windows into huge
// mappings.
func NewMapper(pt *PageTable, hugePages bool) *Mapper {
	return &Mapper{pt: pt, hugePages: hugePages}
}

// PageTable returns the page table managed by this mapper.
func (m *Mapper) PageTable() *PageTable { return m.pt }

// prevMapping records a mapping replaced by MapPages with MapOverwrite.
type prevMapping struct {
	page  mm.Page
	frame mm.Frame
	flags PageFlags
}

// MapPages maps size bytes starting at virt to the physical memory starting
// at phys. The range is widened to page boundaries; virt and phys must have
// the same offset within their page. If any page cannot be mapped, the
// mappings established by this call are removed again (and any mapping
// replaced via MapOverwrite is restored) before the error is returned.
func (m *Mapper) MapPages(virt mm.VirtAddr, size uintptr, phys mm.PhysAddr, flags PageFlags) *kernel.Error {
	start, end, err := pageRange(virt, size)
	if err != nil {
		return err
	}
	if virt.PageOffset() != phys.PageOffset() {
		return mm.ErrInvalidAddress
	}

	var (
		frame    = phys.Frame()
		replaced []prevMapping
	)

	for page := start.Page(); page < end.Page(); page, frame = page+1, frame+1 {
		if flags&MapOverwrite != 0 {
			if prevFrame, prevFlags, lookupErr := m.pt.Lookup(page.Address()); lookupErr == nil && prevFlags&FlagHuge == 0 {
				replaced = append(replaced, prevMapping{page: page, frame: prevFrame, flags: prevFlags})
			}
		}

		if err = m.pt.Map(page, frame, flags); err != nil {
			m.rollback(start.Page(), page, replaced)
			return err
		}
	}

	if m.hugePages {
		m.promote(start, end)
	}

	return nil
}

// rollback removes the mappings for pages [first, last) and restores the
// replaced mappings.
func (m *Mapper) rollback(first, last mm.Page, replaced []prevMapping) {
	for page := first; page < last; page++ {
		_ = m.pt.Unmap(page)
	}

	for _, prev := range replaced {
		if prev.page < last {
			_ = m.pt.Map(prev.page, prev.frame, prev.flags|MapOverwrite)
		}
	}
}

// promote attempts to replace every huge-page window inside [start, end)
// with a single huge mapping, starting from the smallest huge page size.
func (m *Mapper) promote(start, end mm.VirtAddr) {
	arch := m.pt.arch
	for level := arch.Levels() - 2; level >= 0; level-- {
		if !arch.HugeLevel(level) {
			continue
		}

		size := uintptr(1) << arch.LevelShift(level)
		window := start.AlignUp(size)
		if window < start {
			continue
		}

		for ; window < end && uintptr(end-window) >= size; window += mm.VirtAddr(size) {
			_, _ = m.pt.Promote(window, level)
		}
	}
}

// UnmapPages removes the mappings for the pages overlapping the range
// [virt, virt+size). All pages are processed; the first error encountered is
// returned.
func (m *Mapper) UnmapPages(virt mm.VirtAddr, size uintptr) *kernel.Error {
	start, end, err := pageRange(virt, size)
	if err != nil {
		return err
	}

	for page := start.Page(); page < end.Page(); page++ {
		if unmapErr := m.pt.Unmap(page); unmapErr != nil && err == nil {
			err = unmapErr
		}
	}

	return err
}

// ProtectPages changes the flags of the mapped pages overlapping the range
// [virt, virt+size). All pages are processed; the first error encountered is
// returned.
func (m *Mapper) ProtectPages(virt mm.VirtAddr, size uintptr, flags PageFlags) *kernel.Error {
	start, end, err := pageRange(virt, size)
	if err != nil {
		return err
	}

	for page := start.Page(); page < end.Page(); page++ {
		if protectErr := m.pt.Protect(page, flags); protectErr != nil && err == nil {
			err = protectErr
		}
	}

	return err
}

// FlushTLBPage invalidates the local TLB entry for the page containing virt.
// Only canonical addresses can be invalidated.
func (m *Mapper) FlushTLBPage(virt mm.VirtAddr) *kernel.Error {
	if !m.pt.arch.CanonicalAddr(virt) {
		return mm.ErrTLBError
	}

	m.pt.arch.FlushTLBEntry(virt.AlignDown(mm.PageSize))
	return nil
}

// FlushTLBAll invalidates all non-global local TLB entries.
func (m *Mapper) FlushTLBAll() {
	m.pt.arch.FlushTLBAll()
}

// pageRange widens [virt, virt+size) to page boundaries.
func pageRange(virt mm.VirtAddr, size uintptr) (mm.VirtAddr, mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, 0, mm.ErrVMInvalidSize
	}

	start := virt.AlignDown(mm.PageSize)
	last := virt + mm.VirtAddr(size-1)
	if last < virt {
		return 0, 0, mm.ErrInvalidAddress
	}

	end := last.AlignDown(mm.PageSize) + mm.VirtAddr(mm.PageSize)
	if end == 0 {
		// the range touches the last page of the address space
		return 0, 0, mm.ErrInvalidAddress
	}

	return start, end, nil
}
