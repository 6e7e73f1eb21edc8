package mm

import (
	"encoding/binary"
	"sort"

	"nos/kernel"
)

// physRegion is a contiguous run of backed physical memory.
type physRegion struct {
	base    PhysAddr
	mem     []byte
	release func([]byte)
}

func (r *physRegion) end() PhysAddr { return r.base + PhysAddr(len(r.mem)) }

// PhysMemory is the kernel's window onto physical RAM. All reads and writes
// of frame contents (page tables, slab free lists, zero-filling) go through
// its bounds-checked accessors, so a bad physical address surfaces as an
// error instead of a wild write.
//
// Regions are registered while the memory map is processed and never change
// afterwards, so accessors do not need to lock.
type PhysMemory struct {
	regions []*physRegion
}

// NewPhysMemory returns an empty physical address space.
func NewPhysMemory() *PhysMemory {
	return &PhysMemory{}
}

// AddRegion backs the page-aligned range [base, base+size) with memory. The
// range must not overlap any previously added region.
func (m *PhysMemory) AddRegion(base PhysAddr, size uintptr) *kernel.Error {
	if size == 0 || !base.IsAligned(PageSize) || size&(PageSize-1) != 0 || uintptr(base)+size < uintptr(base) {
		return ErrInvalidRange
	}

	end := base + PhysAddr(size)
	index := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].base >= base })
	if index > 0 && m.regions[index-1].end() > base {
		return ErrInvalidRange
	}
	if index < len(m.regions) && m.regions[index].base < end {
		return ErrInvalidRange
	}

	mem, release, err := allocBacking(size)
	if err != nil {
		return err
	}

	m.regions = append(m.regions, nil)
	copy(m.regions[index+1:], m.regions[index:])
	m.regions[index] = &physRegion{base: base, mem: mem, release: release}
	return nil
}

// Release returns the backing storage of all regions. The PhysMemory must
// not be used afterwards.
func (m *PhysMemory) Release() {
	for _, r := range m.regions {
		if r.release != nil {
			r.release(r.mem)
		}
	}
	m.regions = nil
}

// Contains returns true if [addr, addr+size) lies inside a single backed
// region.
func (m *PhysMemory) Contains(addr PhysAddr, size uintptr) bool {
	_, _, err := m.lookup(addr, size)
	return err == nil
}

// Slice returns a byte slice aliasing [addr, addr+size).
func (m *PhysMemory) Slice(addr PhysAddr, size uintptr) ([]byte, *kernel.Error) {
	r, offset, err := m.lookup(addr, size)
	if err != nil {
		return nil, err
	}
	return r.mem[offset : offset+size : offset+size], nil
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it performs log2(size) copy calls.
func (m *PhysMemory) Memset(addr PhysAddr, value byte, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	target, err := m.Slice(addr, size)
	if err != nil {
		return err
	}

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
	return nil
}

// Memcopy copies size bytes from src to dst.
func (m *PhysMemory) Memcopy(src, dst PhysAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	srcSlice, err := m.Slice(src, size)
	if err != nil {
		return err
	}
	dstSlice, err := m.Slice(dst, size)
	if err != nil {
		return err
	}

	copy(dstSlice, srcSlice)
	return nil
}

// ReadUint64 reads the little-endian word at addr. addr must be 8-byte
// aligned.
func (m *PhysMemory) ReadUint64(addr PhysAddr) (uint64, *kernel.Error) {
	if !addr.IsAligned(8) {
		return 0, ErrInvalidRange
	}

	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 stores v as a little-endian word at addr. addr must be 8-byte
// aligned.
func (m *PhysMemory) WriteUint64(addr PhysAddr, v uint64) *kernel.Error {
	if !addr.IsAligned(8) {
		return ErrInvalidRange
	}

	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// lookup finds the region holding [addr, addr+size).
func (m *PhysMemory) lookup(addr PhysAddr, size uintptr) (*physRegion, uintptr, *kernel.Error) {
	index := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if index == len(m.regions) {
		return nil, 0, ErrInvalidRange
	}

	r := m.regions[index]
	if addr < r.base || uintptr(addr)+size < uintptr(addr) || addr+PhysAddr(size) > r.end() {
		return nil, 0, ErrInvalidRange
	}
	return r, uintptr(addr - r.base), nil
}
