package multiboot

import "encoding/binary"

// Encode produces a multiboot2 information structure carrying the supplied
// memory map, command line and bootloader name. It is used to hand a
// synthetic machine description to the kernel when running hosted.
func Encode(memMap []MemoryMapEntry, cmdLine, bootLoaderName string) []byte {
	buf := make([]byte, infoHeaderSize)

	appendTag := func(tag tagType, payload []byte) {
		var hdr [tagHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(tag))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, payload...)
		for len(buf)&7 != 0 {
			buf = append(buf, 0)
		}
	}

	if cmdLine != "" {
		appendTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	}

	if bootLoaderName != "" {
		appendTag(tagBootLoaderName, append([]byte(bootLoaderName), 0))
	}

	mmap := make([]byte, mmapHeaderSize, mmapHeaderSize+len(memMap)*mmapEntrySize)
	binary.LittleEndian.PutUint32(mmap[0:], mmapEntrySize)
	for _, entry := range memMap {
		var raw [mmapEntrySize]byte
		binary.LittleEndian.PutUint64(raw[0:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(raw[8:], entry.Length)
		binary.LittleEndian.PutUint32(raw[16:], uint32(entry.Type))
		mmap = append(mmap, raw[:]...)
	}
	appendTag(tagMemoryMap, mmap)

	appendTag(tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}
