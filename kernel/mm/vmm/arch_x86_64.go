package vmm

import "nos/kernel/mm"

// Entry bits of the x86_64 4-level paging scheme.
const (
	x86Present      = uint64(1) << 0
	x86RW           = uint64(1) << 1
	x86User         = uint64(1) << 2
	x86WriteThrough = uint64(1) << 3
	x86NoCache      = uint64(1) << 4
	x86Accessed     = uint64(1) << 5
	x86Dirty        = uint64(1) << 6
	x86HugePage     = uint64(1) << 7
	x86Global       = uint64(1) << 8
	x86NoExecute    = uint64(1) << 63

	// x86PhysPageMask extracts the physical address from an entry; bits
	// 12-51 contain the physical memory address.
	x86PhysPageMask = uint64(0x000ffffffffff000)
)

var x86LevelShifts = [4]uint{39, 30, 21, 12}

// X86_64 implements PageTableOps for x86_64 4-level paging with 48-bit
// virtual addresses. Huge pages are 1G (level 1) and 2M (level 2).
type X86_64 struct{}

// Name implements PageTableOps.
func (X86_64) Name() string { return "x86_64" }

// Levels implements PageTableOps.
func (X86_64) Levels() int { return 4 }

// LevelShift implements PageTableOps.
func (X86_64) LevelShift(level int) uint { return x86LevelShifts[level] }

// Index implements PageTableOps.
func (X86_64) Index(virt mm.VirtAddr, level int) int { return tableIndex(virt, x86LevelShifts[level]) }

// CanonicalAddr implements PageTableOps.
func (X86_64) CanonicalAddr(virt mm.VirtAddr) bool { return signExtended(virt, 48) }

// HugeLevel implements PageTableOps.
func (X86_64) HugeLevel(level int) bool { return level == 1 || level == 2 }

// EncodeTable implements PageTableOps. Intermediate entries are permissive;
// access rights are enforced by the leaf.
func (X86_64) EncodeTable(frame mm.Frame) uint64 {
	return uint64(frame.Address())&x86PhysPageMask | x86Present | x86RW | x86User
}

// EncodeLeaf implements PageTableOps.
func (X86_64) EncodeLeaf(frame mm.Frame, flags PageFlags, level int) uint64 {
	pte := pageTableEntry(uint64(frame.Address()) & x86PhysPageMask)
	pte.SetFlags(x86Present | x86Accessed)

	if flags&FlagWritable != 0 {
		pte.SetFlags(x86RW | x86Dirty)
	}
	if flags&FlagUser != 0 {
		pte.SetFlags(x86User)
	}
	if flags&FlagWriteThrough != 0 {
		pte.SetFlags(x86WriteThrough)
	}
	if flags&FlagNoCache != 0 {
		pte.SetFlags(x86NoCache)
	}
	if flags&FlagGlobal != 0 {
		pte.SetFlags(x86Global)
	}
	if flags&FlagNoExecute != 0 {
		pte.SetFlags(x86NoExecute)
	}
	if level < 3 {
		pte.SetFlags(x86HugePage)
	}

	return uint64(pte)
}

// Decode implements PageTableOps.
func (X86_64) Decode(raw uint64, level int) (mm.Frame, PageFlags, EntryKind) {
	pte := pageTableEntry(raw)
	if !pte.HasFlags(x86Present) {
		return mm.InvalidFrame, 0, EntryAbsent
	}

	frame := mm.Frame((raw & x86PhysPageMask) >> mm.PageShift)
	if level < 3 && !pte.HasFlags(x86HugePage) {
		return frame, FlagPresent, EntryTable
	}

	flags := FlagPresent
	if pte.HasFlags(x86RW) {
		flags |= FlagWritable
	}
	if pte.HasFlags(x86User) {
		flags |= FlagUser
	}
	if pte.HasFlags(x86WriteThrough) {
		flags |= FlagWriteThrough
	}
	if pte.HasFlags(x86NoCache) {
		flags |= FlagNoCache
	}
	if pte.HasFlags(x86Global) {
		flags |= FlagGlobal
	}
	if pte.HasFlags(x86NoExecute) {
		flags |= FlagNoExecute
	}
	if level < 3 {
		flags |= FlagHuge
	}

	return frame, flags, EntryLeaf
}

// FlushTLBEntry implements PageTableOps (invlpg).
func (X86_64) FlushTLBEntry(virt mm.VirtAddr) { flushTLBEntryFn(uintptr(virt)) }

// FlushTLBAll implements PageTableOps (CR3 reload).
func (X86_64) FlushTLBAll() { flushTLBAllFn() }
