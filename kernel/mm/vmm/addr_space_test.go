package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nos/kernel/mm"
)

func TestReserveRegion(t *testing.T) {
	m := newTestMMU(t, X86_64{}, 16)
	as := NewAddressSpace(m.newPageTable(t), false, 0x10000, 0x20000)

	specs := []struct {
		size    uintptr
		expAddr mm.VirtAddr
		expErr  bool
	}{
		{mm.PageSize, 0x1f000, false},
		// sizes are rounded up to a page
		{42, 0x1e000, false},
		{4 * mm.PageSize, 0x1a000, false},
		{0x20000, 0, true},
		{0xa000, 0x10000, false},
		{1, 0, true},
	}

	for specIndex, spec := range specs {
		addr, err := as.ReserveRegion(spec.size)
		if spec.expErr {
			if err != errReserveNoSpace {
				t.Errorf("[spec %d] expected errReserveNoSpace; got %v", specIndex, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if addr != spec.expAddr {
			t.Errorf("[spec %d] expected address 0x%x; got 0x%x", specIndex, uintptr(spec.expAddr), uintptr(addr))
		}
	}

	_, err := as.ReserveRegion(0)
	require.Same(t, mm.ErrVMInvalidSize, err)
}

func TestAddressSpaceMapRegion(t *testing.T) {
	mockTLB(t)
	m := newTestMMU(t, X86_64{}, 64)
	as := NewAddressSpace(m.newPageTable(t), true, KernelWindowStart, KernelWindowEnd)

	page, err := as.MapRegion(mm.Frame(0x300), 3*mm.PageSize, FlagWritable|FlagGlobal)
	require.Nil(t, err)
	require.Equal(t, (KernelWindowEnd - mm.VirtAddr(3*mm.PageSize)).Page(), page)

	for index := 0; index < 3; index++ {
		phys, err := as.PageTable().Translate((page + mm.Page(index)).Address())
		require.Nil(t, err)
		require.Equal(t, mm.Frame(0x300+index).Address(), phys)
	}

	_, err = as.MapRegion(mm.Frame(0), 0, 0)
	require.Same(t, mm.ErrVMInvalidSize, err)
}

func TestAddressSpaceIdentityMapRegion(t *testing.T) {
	mockTLB(t)
	m := newTestMMU(t, RiscvSv39{}, 64)
	as := NewAddressSpace(m.newPageTable(t), false, UserWindowStart, UserWindowEnd)

	page, err := as.IdentityMapRegion(mm.Frame(0x123), 2*mm.PageSize, FlagUser)
	require.Nil(t, err)
	require.Equal(t, mm.Page(0x123), page)

	phys, err := as.Mapper().PageTable().Translate(0x124010)
	require.Nil(t, err)
	require.Equal(t, mm.PhysAddr(0x124010), phys)

	free := m.buddy.FreeFrames()
	tables := as.PageTable().TableFrames()
	as.Destroy()
	require.Equal(t, free+uint64(tables), m.buddy.FreeFrames())
}
