package vmm

import (
	"nos/kernel"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/sync"
)

// entryRef identifies a single entry inside a page table frame together with
// its last known raw value.
type entryRef struct {
	table mm.Frame
	index int
	raw   uint64
}

func (e *entryRef) addr() mm.PhysAddr {
	return e.table.Address() + mm.PhysAddr(uintptr(e.index)<<mm.PointerShift)
}

// pageTableWalker is invoked by walk for each entry visited on the path to a
// virtual address. The walker may update the entry; walk descends into the
// entry's new value. Returning false stops the walk.
type pageTableWalker func(level int, pte *entryRef) bool

// PageTable is a tree of page table frames rooted at a single frame. All
// methods are serialised by the table's spinlock.
type PageTable struct {
	lock sync.Spinlock

	mmu  *MMU
	arch PageTableOps
	root mm.Frame

	// tables counts the frames (including the root) owned by this table.
	tables int
}

// Root returns the frame holding the root table.
func (pt *PageTable) Root() mm.Frame { return pt.root }

// Arch returns the page table format.
func (pt *PageTable) Arch() PageTableOps { return pt.arch }

// TableFrames returns the number of frames owned by this page table.
func (pt *PageTable) TableFrames() int {
	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.tables
}

// Activate installs this page table as the active translation root on the
// current CPU.
func (pt *PageTable) Activate() {
	switchPDTFn(uintptr(pt.root.Address()))
}

// Active returns true if this page table is the active translation root on
// the current CPU.
func (pt *PageTable) Active() bool {
	return pt.root.Valid() && activePDTFn() == uintptr(pt.root.Address())
}

// Map establishes a mapping between a virtual page and a physical frame.
// Missing intermediate tables are allocated and cleared on demand. Mapping
// an already mapped page fails with mm.ErrAddressAlreadyMapped unless the
// MapOverwrite flag is specified.
//
// Attempts to map the reserved zero frame with a RW flag result in an error.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageFlags) *kernel.Error {
	if flags&FlagHuge != 0 {
		return mm.ErrInvalidProtection
	}

	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.mapLocked(page.Address(), frame, flags, pt.arch.Levels()-1)
}

// MapHuge installs a leaf at the specified level (above the last one) that
// maps 1 << arch.LevelShift(level) bytes. Both virt and the frame address
// must be aligned to that size.
func (pt *PageTable) MapHuge(virt mm.VirtAddr, frame mm.Frame, level int, flags PageFlags) *kernel.Error {
	if level < 0 || level >= pt.arch.Levels()-1 || !pt.arch.HugeLevel(level) {
		return mm.ErrVMInvalidSize
	}

	size := uintptr(1) << pt.arch.LevelShift(level)
	if !virt.IsAligned(size) || !frame.Address().IsAligned(size) {
		return mm.ErrInvalidAddress
	}

	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.mapLocked(virt, frame, flags&^FlagHuge, level)
}

func (pt *PageTable) mapLocked(virt mm.VirtAddr, frame mm.Frame, flags PageFlags, target int) *kernel.Error {
	switch {
	case !pt.root.Valid():
		return mm.ErrPageTableError
	case flags&^(entryFlags|MapOverwrite) != 0 || flags&FlagHuge != 0:
		return mm.ErrInvalidProtection
	case !pt.arch.CanonicalAddr(virt):
		return mm.ErrInvalidAddress
	case pt.mmu.protectZeroFrame && frame == pt.mmu.zeroFrame && flags&FlagWritable != 0:
		return mm.ErrPermissionDenied
	}

	var err *kernel.Error

	pt.walk(virt, func(level int, pte *entryRef) bool {
		_, _, kind := pt.arch.Decode(pte.raw, level)

		// If we reached the target level all we need to do is to map the
		// frame in place and flush its TLB entry
		if level == target {
			switch {
			case kind == EntryTable && !pt.releaseIfEmpty(pte, level):
				err = mm.ErrAddressAlreadyMapped
				return false
			case kind == EntryLeaf && flags&MapOverwrite == 0:
				err = mm.ErrAddressAlreadyMapped
				return false
			}

			pt.setEntry(pte, pt.arch.EncodeLeaf(frame, (flags&entryFlags)|FlagPresent, level))
			pt.arch.FlushTLBEntry(virt)
			return false
		}

		switch kind {
		case EntryLeaf:
			err = mm.ErrPageTableError
			return false
		case EntryAbsent:
			var table mm.Frame
			if table, err = pt.allocTable(); err != nil {
				return false
			}
			pt.setEntry(pte, pt.arch.EncodeTable(table))
		}

		return true
	})

	return err
}

// Unmap removes the mapping for the specified virtual page and flushes its
// TLB entry. If the page is covered by a huge mapping, the huge mapping is
// first split into a table of smaller mappings. Unmap never releases
// intermediate tables; see ReclaimTables.
func (pt *PageTable) Unmap(page mm.Page) *kernel.Error {
	virt := page.Address()
	if !pt.arch.CanonicalAddr(virt) {
		return mm.ErrInvalidAddress
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.leafEntry(virt)
	if err != nil {
		return err
	}

	pt.setEntry(pte, 0)
	pt.arch.FlushTLBEntry(virt)
	return nil
}

// Protect rewrites the flags of an existing page mapping. A covering huge
// mapping is split first.
func (pt *PageTable) Protect(page mm.Page, flags PageFlags) *kernel.Error {
	virt := page.Address()
	switch {
	case flags&^entryFlags != 0 || flags&FlagHuge != 0:
		return mm.ErrInvalidProtection
	case !pt.arch.CanonicalAddr(virt):
		return mm.ErrInvalidAddress
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.leafEntry(virt)
	if err != nil {
		return err
	}

	level := pt.arch.Levels() - 1
	frame, _, _ := pt.arch.Decode(pte.raw, level)
	if pt.mmu.protectZeroFrame && frame == pt.mmu.zeroFrame && flags&FlagWritable != 0 {
		return mm.ErrPermissionDenied
	}

	pt.setEntry(pte, pt.arch.EncodeLeaf(frame, flags|FlagPresent, level))
	pt.arch.FlushTLBEntry(virt)
	return nil
}

// leafEntry returns the last-level entry mapping virt, splitting any huge
// mapping on the way.
func (pt *PageTable) leafEntry(virt mm.VirtAddr) (*entryRef, *kernel.Error) {
	if !pt.root.Valid() {
		return nil, mm.ErrPageTableError
	}

	var (
		leaf     *entryRef
		err      *kernel.Error
		maxLevel = pt.arch.Levels() - 1
	)

	pt.walk(virt, func(level int, pte *entryRef) bool {
		_, _, kind := pt.arch.Decode(pte.raw, level)
		switch {
		case kind == EntryAbsent:
			err = mm.ErrMappingNotFound
			return false
		case level == maxLevel:
			leaf = pte
			return false
		case kind == EntryLeaf:
			if err = pt.split(pte, level); err != nil {
				return false
			}
		}
		return true
	})

	if err != nil {
		return nil, err
	}
	return leaf, nil
}

// split replaces a huge leaf at the specified level with a table of leaves
// at level+1 that map the same memory with the same flags.
func (pt *PageTable) split(pte *entryRef, level int) *kernel.Error {
	frame, flags, _ := pt.arch.Decode(pte.raw, level)

	table, err := pt.allocTable()
	if err != nil {
		return err
	}

	var (
		childFlags = flags &^ FlagHuge
		step       = mm.Frame(1) << (pt.arch.LevelShift(level+1) - uint(mm.PageShift))
		child      = entryRef{table: table}
	)
	for child.index = 0; child.index < mm.PageTableEntries; child.index++ {
		pt.setEntry(&child, pt.arch.EncodeLeaf(frame+mm.Frame(child.index)*step, childFlags, level+1))
	}

	pt.setEntry(pte, pt.arch.EncodeTable(table))
	pt.arch.FlushTLBAll()
	return nil
}

// Promote replaces the table referenced by the level entry covering virt
// with a single huge leaf if all the table's entries are leaves with
// identical flags that map one contiguous, naturally aligned physical range.
// It returns true if the mapping was promoted. The freed child table is
// returned to the frame allocator.
func (pt *PageTable) Promote(virt mm.VirtAddr, level int) (bool, *kernel.Error) {
	if level < 0 || level >= pt.arch.Levels()-1 || !pt.arch.HugeLevel(level) {
		return false, mm.ErrVMInvalidSize
	}
	if !pt.arch.CanonicalAddr(virt) {
		return false, mm.ErrInvalidAddress
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		return false, mm.ErrPageTableError
	}

	var target *entryRef
	pt.walk(virt, func(l int, pte *entryRef) bool {
		if l == level {
			target = pte
			return false
		}
		return true
	})

	if target == nil {
		return false, nil
	}

	table, _, kind := pt.arch.Decode(target.raw, level)
	if kind != EntryTable {
		return false, nil
	}

	var (
		first     mm.Frame
		flags     PageFlags
		step      = mm.Frame(1) << (pt.arch.LevelShift(level+1) - uint(mm.PageShift))
		hugePages = mm.Frame(1) << (pt.arch.LevelShift(level) - uint(mm.PageShift))
	)
	for index := 0; index < mm.PageTableEntries; index++ {
		frame, leafFlags, leafKind := pt.arch.Decode(pt.entry(table, index), level+1)
		if leafKind != EntryLeaf {
			return false, nil
		}

		leafFlags &^= FlagHuge
		if index == 0 {
			if frame%hugePages != 0 {
				return false, nil
			}
			first, flags = frame, leafFlags
			continue
		}

		if leafFlags != flags || frame != first+mm.Frame(index)*step {
			return false, nil
		}
	}

	pt.setEntry(target, pt.arch.EncodeLeaf(first, flags, level))
	pt.arch.FlushTLBAll()
	pt.freeTable(table)
	return true, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or mm.ErrMappingNotFound if the address is not mapped.
func (pt *PageTable) Translate(virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	frame, _, level, err := pt.lookup(virt)
	if err != nil {
		return 0, err
	}

	offsetMask := (uintptr(1) << pt.arch.LevelShift(level)) - 1
	return frame.Address() + mm.PhysAddr(uintptr(virt)&offsetMask), nil
}

// Lookup returns the frame that backs the page containing virt and the
// flags of the mapping. FlagHuge is reported for pages covered by a huge
// mapping.
func (pt *PageTable) Lookup(virt mm.VirtAddr) (mm.Frame, PageFlags, *kernel.Error) {
	frame, flags, level, err := pt.lookup(virt)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	offsetMask := (uintptr(1) << pt.arch.LevelShift(level)) - 1
	return frame + mm.Frame((uintptr(virt)&offsetMask)>>mm.PageShift), flags, nil
}

func (pt *PageTable) lookup(virt mm.VirtAddr) (mm.Frame, PageFlags, int, *kernel.Error) {
	if !pt.arch.CanonicalAddr(virt) {
		return mm.InvalidFrame, 0, 0, mm.ErrInvalidAddress
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		return mm.InvalidFrame, 0, 0, mm.ErrPageTableError
	}

	var (
		frame    = mm.InvalidFrame
		flags    PageFlags
		mapLevel int
	)

	pt.walk(virt, func(level int, pte *entryRef) bool {
		f, fl, kind := pt.arch.Decode(pte.raw, level)
		if kind == EntryLeaf {
			frame, flags, mapLevel = f, fl, level
		}
		return kind == EntryTable
	})

	if !frame.Valid() {
		return mm.InvalidFrame, 0, 0, mm.ErrMappingNotFound
	}
	return frame, flags, mapLevel, nil
}

// ReclaimTables releases every intermediate table that no longer contains
// any mapping and returns the number of released frames. The root table is
// never released.
func (pt *PageTable) ReclaimTables() int {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		return 0
	}

	before := pt.tables
	pt.reclaim(pt.root, 0)
	if freed := before - pt.tables; freed > 0 {
		pt.arch.FlushTLBAll()
		return freed
	}
	return 0
}

// reclaim releases the empty child tables of table and reports whether
// table itself is now empty.
func (pt *PageTable) reclaim(table mm.Frame, level int) bool {
	empty := true
	child := entryRef{table: table}
	for child.index = 0; child.index < mm.PageTableEntries; child.index++ {
		if child.raw = pt.entry(table, child.index); child.raw == 0 {
			continue
		}

		next, _, kind := pt.arch.Decode(child.raw, level)
		switch {
		case kind == EntryTable && pt.reclaim(next, level+1):
			pt.setEntry(&child, 0)
			pt.freeTable(next)
		case kind != EntryAbsent:
			empty = false
		}
	}

	return empty
}

// releaseIfEmpty frees the subtree referenced by a table entry if it holds
// no mappings and clears the entry.
func (pt *PageTable) releaseIfEmpty(pte *entryRef, level int) bool {
	table, _, _ := pt.arch.Decode(pte.raw, level)
	if !pt.reclaim(table, level+1) {
		return false
	}

	pt.setEntry(pte, 0)
	pt.freeTable(table)
	return true
}

// Destroy releases every table frame, including the root. The frames
// referenced by leaf entries are owned by the caller and are not released.
// The page table cannot be used after a call to Destroy.
func (pt *PageTable) Destroy() {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		return
	}

	pt.destroy(pt.root, 0)
	pt.root = mm.InvalidFrame
}

func (pt *PageTable) destroy(table mm.Frame, level int) {
	if level < pt.arch.Levels()-1 {
		for index := 0; index < mm.PageTableEntries; index++ {
			if next, _, kind := pt.arch.Decode(pt.entry(table, index), level); kind == EntryTable {
				pt.destroy(next, level+1)
			}
		}
	}

	pt.freeTable(table)
}

// walk performs a page table walk for the given virtual address. It calls
// walkFn with the entry that corresponds to each page table level and
// descends while the (possibly updated) entry points to a table.
func (pt *PageTable) walk(virt mm.VirtAddr, walkFn pageTableWalker) {
	table := pt.root
	for level := 0; level < pt.arch.Levels(); level++ {
		pte := &entryRef{table: table, index: pt.arch.Index(virt, level)}
		pte.raw = pt.entry(table, pte.index)

		if !walkFn(level, pte) {
			return
		}

		next, _, kind := pt.arch.Decode(pte.raw, level)
		if kind != EntryTable {
			return
		}
		table = next
	}
}

// entry reads an entry from a table frame. Table frames always come from the
// frame allocator so a failed access indicates a corrupted page table.
func (pt *PageTable) entry(table mm.Frame, index int) uint64 {
	ref := entryRef{table: table, index: index}
	raw, err := pt.mmu.mem.ReadUint64(ref.addr())
	if err != nil {
		kfmt.Panic(mm.ErrPageTableError)
	}
	return raw
}

func (pt *PageTable) setEntry(pte *entryRef, raw uint64) {
	if err := pt.mmu.mem.WriteUint64(pte.addr(), raw); err != nil {
		kfmt.Panic(mm.ErrPageTableError)
	}
	pte.raw = raw
}

func (pt *PageTable) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := pt.mmu.allocTableFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	pt.tables++
	return frame, nil
}

func (pt *PageTable) freeTable(frame mm.Frame) {
	pt.mmu.freeTableFrame(frame)
	pt.tables--
}
