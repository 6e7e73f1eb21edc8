package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhysMemoryRegions(t *testing.T) {
	mem := NewPhysMemory()
	defer mem.Release()

	require.Nil(t, mem.AddRegion(0x100000, 16*PageSize))
	require.Nil(t, mem.AddRegion(0x10000, 4*PageSize))

	require.Equal(t, ErrInvalidRange, mem.AddRegion(0x101000, PageSize), "overlapping region")
	require.Equal(t, ErrInvalidRange, mem.AddRegion(0x0ff000, 2*PageSize), "region overlapping the next one")
	require.Equal(t, ErrInvalidRange, mem.AddRegion(0x200001, PageSize), "misaligned base")
	require.Equal(t, ErrInvalidRange, mem.AddRegion(0x300000, 100), "misaligned size")

	require.True(t, mem.Contains(0x10000, 4*PageSize))
	require.True(t, mem.Contains(0x100000+PhysAddr(15*PageSize), PageSize))
	require.False(t, mem.Contains(0x14000, 1), "hole between regions")
	require.False(t, mem.Contains(0x10000, 5*PageSize), "range crossing the region end")
	require.False(t, mem.Contains(0xfff, 1), "address below all regions")
}

func TestPhysMemoryAccessors(t *testing.T) {
	mem := NewPhysMemory()
	defer mem.Release()
	require.Nil(t, mem.AddRegion(0x200000, 2*PageSize))

	require.Nil(t, mem.Memset(0x200000, 0xaa, 2*PageSize))
	b, err := mem.Slice(0x200000, 2*PageSize)
	require.Nil(t, err)
	for i, v := range b {
		if v != 0xaa {
			t.Fatalf("expected byte %d to be 0xaa; got %x", i, v)
		}
	}

	require.Nil(t, mem.WriteUint64(0x200008, 0x1122334455667788))
	v, err := mem.ReadUint64(0x200008)
	require.Nil(t, err)
	require.Equal(t, uint64(0x1122334455667788), v)
	require.Equal(t, byte(0x88), b[8], "words are stored little-endian")

	_, err = mem.ReadUint64(0x200004)
	require.Equal(t, ErrInvalidRange, err, "misaligned word")
	require.Equal(t, ErrInvalidRange, mem.WriteUint64(0x300000, 1), "unbacked address")

	require.Nil(t, mem.Memcopy(0x200008, 0x201000, 8))
	v, err = mem.ReadUint64(0x201000)
	require.Nil(t, err)
	require.Equal(t, uint64(0x1122334455667788), v)

	require.Equal(t, ErrInvalidRange, mem.Memset(0x201000, 0, 2*PageSize))
	require.Nil(t, mem.Memset(0x999000, 0, 0), "zero-length memset never touches memory")
}
