package vmm

import "nos/kernel/mm"

// Entry bits of the RISC-V Sv39 paging scheme.
const (
	rvValid    = uint64(1) << 0
	rvRead     = uint64(1) << 1
	rvWrite    = uint64(1) << 2
	rvExec     = uint64(1) << 3
	rvUser     = uint64(1) << 4
	rvGlobal   = uint64(1) << 5
	rvAccessed = uint64(1) << 6
	rvDirty    = uint64(1) << 7

	// rvPPNShift is the position of the physical page number in an entry.
	rvPPNShift = 10
	rvPPNMask  = (uint64(1) << 44) - 1

	// Svpbmt memory types (bits 61-62).
	rvPBMTShift = 61
	rvPBMTMask  = uint64(3) << rvPBMTShift
	rvPBMTNC    = uint64(1)
	rvPBMTIO    = uint64(2)

	rvLeafMask = rvRead | rvWrite | rvExec
)

var rvLevelShifts = [3]uint{30, 21, 12}

// RiscvSv39 implements PageTableOps for the RISC-V Sv39 3-level scheme with
// 39-bit virtual addresses. Huge pages are 1G (level 0) and 2M (level 1).
// Cache attributes use the Svpbmt extension.
type RiscvSv39 struct{}

// Name implements PageTableOps.
func (RiscvSv39) Name() string { return "riscv64" }

// Levels implements PageTableOps.
func (RiscvSv39) Levels() int { return 3 }

// LevelShift implements PageTableOps.
func (RiscvSv39) LevelShift(level int) uint { return rvLevelShifts[level] }

// Index implements PageTableOps.
func (RiscvSv39) Index(virt mm.VirtAddr, level int) int {
	return tableIndex(virt, rvLevelShifts[level])
}

// CanonicalAddr implements PageTableOps. Bits 63-39 must equal bit 38.
func (RiscvSv39) CanonicalAddr(virt mm.VirtAddr) bool { return signExtended(virt, 39) }

// HugeLevel implements PageTableOps.
func (RiscvSv39) HugeLevel(level int) bool { return level == 0 || level == 1 }

// EncodeTable implements PageTableOps. A valid entry with R, W and X clear
// points to the next level.
func (RiscvSv39) EncodeTable(frame mm.Frame) uint64 {
	return (uint64(frame)&rvPPNMask)<<rvPPNShift | rvValid
}

// EncodeLeaf implements PageTableOps. The accessed and dirty bits are
// preset so that hardware without A/D management does not fault.
func (RiscvSv39) EncodeLeaf(frame mm.Frame, flags PageFlags, _ int) uint64 {
	pte := pageTableEntry((uint64(frame) & rvPPNMask) << rvPPNShift)
	pte.SetFlags(rvValid | rvRead | rvAccessed)

	if flags&FlagWritable != 0 {
		pte.SetFlags(rvWrite | rvDirty)
	}
	if flags&FlagNoExecute == 0 {
		pte.SetFlags(rvExec)
	}
	if flags&FlagUser != 0 {
		pte.SetFlags(rvUser)
	}
	if flags&FlagGlobal != 0 {
		pte.SetFlags(rvGlobal)
	}

	switch {
	case flags&FlagNoCache != 0:
		pte.SetFlags(rvPBMTIO << rvPBMTShift)
	case flags&FlagWriteThrough != 0:
		pte.SetFlags(rvPBMTNC << rvPBMTShift)
	}

	return uint64(pte)
}

// Decode implements PageTableOps.
func (RiscvSv39) Decode(raw uint64, level int) (mm.Frame, PageFlags, EntryKind) {
	pte := pageTableEntry(raw)
	if !pte.HasFlags(rvValid) {
		return mm.InvalidFrame, 0, EntryAbsent
	}

	frame := mm.Frame((raw >> rvPPNShift) & rvPPNMask)
	if !pte.HasAnyFlag(rvLeafMask) {
		if level == 2 {
			// a pointer entry at the last level is reserved
			return mm.InvalidFrame, 0, EntryAbsent
		}
		return frame, FlagPresent, EntryTable
	}

	flags := FlagPresent
	if pte.HasFlags(rvWrite) {
		flags |= FlagWritable
	}
	if !pte.HasFlags(rvExec) {
		flags |= FlagNoExecute
	}
	if pte.HasFlags(rvUser) {
		flags |= FlagUser
	}
	if pte.HasFlags(rvGlobal) {
		flags |= FlagGlobal
	}

	switch (raw & rvPBMTMask) >> rvPBMTShift {
	case rvPBMTIO:
		flags |= FlagNoCache
	case rvPBMTNC:
		flags |= FlagWriteThrough
	}

	if level < 2 {
		flags |= FlagHuge
	}

	return frame, flags, EntryLeaf
}

// FlushTLBEntry implements PageTableOps (sfence.vma with an address).
func (RiscvSv39) FlushTLBEntry(virt mm.VirtAddr) { flushTLBEntryFn(uintptr(virt)) }

// FlushTLBAll implements PageTableOps (sfence.vma).
func (RiscvSv39) FlushTLBAll() { flushTLBAllFn() }
