package vmm

// PageFlags describes the portable protection and caching attributes of a
// mapping. Each PageTableOps implementation translates them to and from its
// own entry encoding.
type PageFlags uint32

const (
	// FlagPresent is set for every live mapping.
	FlagPresent PageFlags = 1 << iota

	// FlagWritable is set if the page can be written to.
	FlagWritable

	// FlagUser is set if user-mode code can access the page. If not set
	// only kernel code can access this page.
	FlagUser

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute

	// FlagHuge is reported for mappings installed above the last paging
	// level (e.g. 2M and 1G pages on x86_64).
	FlagHuge

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when switching page tables.
	FlagGlobal

	// FlagNoCache prevents this page from being cached if set.
	FlagNoCache

	// FlagWriteThrough implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThrough

	// MapOverwrite is a mapping option; it allows Map to replace an
	// existing leaf entry. It is never stored in an entry.
	MapOverwrite

	// entryFlags lists the flags that can be stored in an entry.
	entryFlags = FlagPresent | FlagWritable | FlagUser | FlagNoExecute | FlagHuge | FlagGlobal | FlagNoCache | FlagWriteThrough
)

// EntryKind classifies a decoded page table entry.
type EntryKind uint8

const (
	// EntryAbsent is an entry that maps nothing.
	EntryAbsent EntryKind = iota

	// EntryTable points to the table of the next paging level.
	EntryTable

	// EntryLeaf maps a page; above the last level it maps a huge page.
	EntryLeaf
)

// pageTableEntry is a raw page table entry in the encoding of the active
// architecture.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input bits set.
func (pte pageTableEntry) HasFlags(bits uint64) bool {
	return uint64(pte)&bits == bits
}

// HasAnyFlag returns true if this entry has at least one of the input bits set.
func (pte pageTableEntry) HasAnyFlag(bits uint64) bool {
	return uint64(pte)&bits != 0
}

// SetFlags sets the input bits in the page table entry.
func (pte *pageTableEntry) SetFlags(bits uint64) {
	*pte = pageTableEntry(uint64(*pte) | bits)
}

// ClearFlags unsets the input bits from the page table entry.
func (pte *pageTableEntry) ClearFlags(bits uint64) {
	*pte = pageTableEntry(uint64(*pte) &^ bits)
}
