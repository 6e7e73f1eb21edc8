package vmm

import (
	"nos/kernel"
	"nos/kernel/mm"
)

// PageTableOps describes a paging scheme. Levels are numbered from the root
// (level 0) to the table holding 4K leaf entries (level Levels()-1). All
// supported schemes use 4K tables of 512 8-byte entries.
type PageTableOps interface {
	// Name returns the architecture name.
	Name() string

	// Levels returns the number of paging levels.
	Levels() int

	// LevelShift returns the shift that extracts the table index for the
	// given level from a virtual address. A leaf at that level maps
	// 1 << LevelShift(level) bytes.
	LevelShift(level int) uint

	// Index returns the index of the entry for virt in a table of the
	// given level.
	Index(virt mm.VirtAddr, level int) int

	// CanonicalAddr returns true if virt is a valid virtual address.
	CanonicalAddr(virt mm.VirtAddr) bool

	// HugeLevel returns true if a leaf entry can be installed at a level
	// above the last one.
	HugeLevel(level int) bool

	// EncodeTable returns an entry pointing to a next-level table.
	EncodeTable(frame mm.Frame) uint64

	// EncodeLeaf returns an entry mapping frame at the given level.
	EncodeLeaf(frame mm.Frame, flags PageFlags, level int) uint64

	// Decode splits an entry of the given level into its parts.
	Decode(pte uint64, level int) (mm.Frame, PageFlags, EntryKind)

	// FlushTLBEntry invalidates the local TLB entry for virt.
	FlushTLBEntry(virt mm.VirtAddr)

	// FlushTLBAll invalidates all non-global local TLB entries.
	FlushTLBAll()
}

var errUnknownArch = &kernel.Error{Module: "vmm", Message: "unsupported page table architecture"}

// ArchByName returns the paging scheme with the given name. An empty name
// selects DefaultArch.
func ArchByName(name string) (PageTableOps, *kernel.Error) {
	switch name {
	case "":
		return DefaultArch(), nil
	case "x86_64", "amd64":
		return X86_64{}, nil
	case "aarch64", "arm64":
		return AArch64{}, nil
	case "riscv64", "sv39":
		return RiscvSv39{}, nil
	}

	return nil, errUnknownArch
}

// tableIndex extracts the 9-bit table index at the given shift.
func tableIndex(virt mm.VirtAddr, shift uint) int {
	return int(uintptr(virt)>>shift) & (mm.PageTableEntries - 1)
}

// signExtended returns true if the bits of virt above bit vaBits-1 are
// copies of that bit.
func signExtended(virt mm.VirtAddr, vaBits uint) bool {
	upper := uint64(virt) >> (vaBits - 1)
	return upper == 0 || upper == (^uint64(0))>>(vaBits-1)
}
