// Package multiboot decodes the multiboot2 boot information handed over by
// the bootloader. The memory-management core only consumes the memory map
// and the kernel command line.
package multiboot

import (
	"encoding/binary"
	"strings"

	"nos/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the {totalSize, reserved} header.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the {type, size} header that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the {entrySize, entryVersion} header of
	// the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

var (
	errTruncatedInfo = &kernel.Error{Module: "multiboot", Message: "boot information is truncated"}
	errBadMemoryMap  = &kernel.Error{Module: "multiboot", Message: "malformed memory map tag"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info holds the decoded boot information.
type Info struct {
	memMap         []MemoryMapEntry
	cmdLine        string
	bootLoaderName string
}

// NewInfo builds an Info from an already decoded memory map and command
// line.
func NewInfo(memMap []MemoryMapEntry, cmdLine string) *Info {
	return &Info{memMap: append([]MemoryMapEntry(nil), memMap...), cmdLine: cmdLine}
}

// Parse decodes a multiboot2 information structure.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize > len(data) || totalSize < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	info := &Info{}
	for offset := infoHeaderSize; ; {
		if offset+tagHeaderSize > totalSize {
			return nil, errTruncatedInfo
		}

		tag := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))
		if size < tagHeaderSize || offset+size > totalSize {
			return nil, errTruncatedInfo
		}

		if tag == tagMbSectionEnd {
			break
		}

		payload := data[offset+tagHeaderSize : offset+size]
		switch tag {
		case tagBootCmdLine:
			info.cmdLine = cString(payload)
		case tagBootLoaderName:
			info.bootLoaderName = cString(payload)
		case tagMemoryMap:
			if err := info.parseMemoryMap(payload); err != nil {
				return nil, err
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return info, nil
}

func (info *Info) parseMemoryMap(payload []byte) *kernel.Error {
	if len(payload) < mmapHeaderSize {
		return errBadMemoryMap
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return errBadMemoryMap
	}

	for offset := mmapHeaderSize; offset+entrySize <= len(payload); offset += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(payload[offset:]),
			Length:      binary.LittleEndian.Uint64(payload[offset+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(payload[offset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		info.memMap = append(info.memMap, entry)
	}

	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range info.memMap {
		entry := info.memMap[index]
		if !visitor(&entry) {
			return
		}
	}
}

// MemoryMap returns a copy of the memory map.
func (info *Info) MemoryMap() []MemoryMapEntry {
	return append([]MemoryMapEntry(nil), info.memMap...)
}

// BootLoaderName returns the name reported by the bootloader.
func (info *Info) BootLoaderName() string {
	return info.bootLoaderName
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Keys without a value ("nofoo") map to themselves.
func (info *Info) GetBootCmdLine() map[string]string {
	cmdLineKV := make(map[string]string)
	for _, pair := range strings.Fields(info.cmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
