package vmm

import "nos/kernel/mm"

// Descriptor bits of the AArch64 4K granule translation tables.
const (
	armValid = uint64(1) << 0

	// armTable distinguishes table (1) from block (0) descriptors at levels
	// 0-2 and must be set for page descriptors at level 3.
	armTable = uint64(1) << 1

	// armAttrIndxShift selects the MAIR_EL1 attribute slot.
	armAttrIndxShift = 2
	armAttrIndxMask  = uint64(7) << armAttrIndxShift

	// MAIR_EL1 slots programmed by the boot code.
	armAttrNormal       = uint64(0)
	armAttrDevice       = uint64(1)
	armAttrWriteThrough = uint64(2)

	armAPUser     = uint64(1) << 6
	armAPReadOnly = uint64(1) << 7

	armInnerShareable = uint64(3) << 8
	armAccessFlag     = uint64(1) << 10
	armNotGlobal      = uint64(1) << 11
	armPXN            = uint64(1) << 53
	armUXN            = uint64(1) << 54

	// armOutputAddrMask extracts the output address (bits 12-47).
	armOutputAddrMask = uint64(0x0000fffffffff000)
)

var armLevelShifts = [4]uint{39, 30, 21, 12}

// AArch64 implements PageTableOps for the AArch64 4-level, 4K granule
// translation regime with 48-bit virtual addresses. Blocks are 1G (level 1)
// and 2M (level 2).
type AArch64 struct{}

// Name implements PageTableOps.
func (AArch64) Name() string { return "aarch64" }

// Levels implements PageTableOps.
func (AArch64) Levels() int { return 4 }

// LevelShift implements PageTableOps.
func (AArch64) LevelShift(level int) uint { return armLevelShifts[level] }

// Index implements PageTableOps.
func (AArch64) Index(virt mm.VirtAddr, level int) int { return tableIndex(virt, armLevelShifts[level]) }

// CanonicalAddr implements PageTableOps. Addresses with all upper bits clear
// are translated through TTBR0 and those with all upper bits set through
// TTBR1.
func (AArch64) CanonicalAddr(virt mm.VirtAddr) bool { return signExtended(virt, 48) }

// HugeLevel implements PageTableOps.
func (AArch64) HugeLevel(level int) bool { return level == 1 || level == 2 }

// EncodeTable implements PageTableOps.
func (AArch64) EncodeTable(frame mm.Frame) uint64 {
	return uint64(frame.Address())&armOutputAddrMask | armValid | armTable
}

// EncodeLeaf implements PageTableOps.
func (AArch64) EncodeLeaf(frame mm.Frame, flags PageFlags, level int) uint64 {
	pte := pageTableEntry(uint64(frame.Address()) & armOutputAddrMask)
	pte.SetFlags(armValid | armAccessFlag | armInnerShareable)
	if level == 3 {
		pte.SetFlags(armTable)
	}

	switch {
	case flags&FlagNoCache != 0:
		pte.SetFlags(armAttrDevice << armAttrIndxShift)
	case flags&FlagWriteThrough != 0:
		pte.SetFlags(armAttrWriteThrough << armAttrIndxShift)
	default:
		pte.SetFlags(armAttrNormal << armAttrIndxShift)
	}

	if flags&FlagWritable == 0 {
		pte.SetFlags(armAPReadOnly)
	}
	if flags&FlagGlobal == 0 {
		pte.SetFlags(armNotGlobal)
	}

	// The kernel never executes user pages and user code never executes
	// kernel pages.
	if flags&FlagUser != 0 {
		pte.SetFlags(armAPUser | armPXN)
		if flags&FlagNoExecute != 0 {
			pte.SetFlags(armUXN)
		}
	} else {
		pte.SetFlags(armUXN)
		if flags&FlagNoExecute != 0 {
			pte.SetFlags(armPXN)
		}
	}

	return uint64(pte)
}

// Decode implements PageTableOps.
func (AArch64) Decode(raw uint64, level int) (mm.Frame, PageFlags, EntryKind) {
	pte := pageTableEntry(raw)
	if !pte.HasFlags(armValid) {
		return mm.InvalidFrame, 0, EntryAbsent
	}

	frame := mm.Frame((raw & armOutputAddrMask) >> mm.PageShift)
	switch {
	case level < 3 && pte.HasFlags(armTable):
		return frame, FlagPresent, EntryTable
	case level == 3 && !pte.HasFlags(armTable):
		// reserved encoding; behaves as an invalid descriptor
		return mm.InvalidFrame, 0, EntryAbsent
	}

	flags := FlagPresent
	if !pte.HasFlags(armAPReadOnly) {
		flags |= FlagWritable
	}
	if !pte.HasFlags(armNotGlobal) {
		flags |= FlagGlobal
	}

	switch (raw & armAttrIndxMask) >> armAttrIndxShift {
	case armAttrDevice:
		flags |= FlagNoCache
	case armAttrWriteThrough:
		flags |= FlagWriteThrough
	}

	if pte.HasFlags(armAPUser) {
		flags |= FlagUser
		if pte.HasFlags(armUXN) {
			flags |= FlagNoExecute
		}
	} else if pte.HasFlags(armPXN) {
		flags |= FlagNoExecute
	}

	if level < 3 {
		flags |= FlagHuge
	}

	return frame, flags, EntryLeaf
}

// FlushTLBEntry implements PageTableOps (tlbi vae1).
func (AArch64) FlushTLBEntry(virt mm.VirtAddr) { flushTLBEntryFn(uintptr(virt)) }

// FlushTLBAll implements PageTableOps (tlbi vmalle1).
func (AArch64) FlushTLBAll() { flushTLBAllFn() }
