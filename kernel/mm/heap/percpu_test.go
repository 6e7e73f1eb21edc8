package heap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nos/kernel/cpu"
	"nos/kernel/mm"
	"nos/kernel/mm/slab"
)

func TestPerCPUCacheRefillAndDrain(t *testing.T) {
	h := newTestHeap(t, 64, func(cfg *mm.Config) {
		cfg.MagazineSize = 8
		cfg.MagazineBatch = 4
	})
	c := h.Cache()
	class, _ := slab.ClassIndex(64)

	// the first allocation pulls a whole batch into the magazine
	obj, err := c.Allocate(1, class)
	require.Nil(t, err)
	require.Equal(t, uint64(3), c.Cached())
	require.Equal(t, uint64(4), h.Slabs().CacheInfo(class).ObjectsInUse)

	require.Nil(t, c.Free(1, class, obj))
	require.Equal(t, uint64(4), c.Cached())

	// overflowing the magazine returns a batch to the slab allocator
	objs := make([]mm.PhysAddr, 5)
	n, err := h.Slabs().AllocateBatch(class, objs)
	require.Nil(t, err)
	require.Equal(t, 5, n)
	for _, o := range objs {
		require.Nil(t, c.Free(1, class, o))
	}
	require.Equal(t, uint64(5), c.Cached())
	require.Equal(t, uint64(5), h.Slabs().CacheInfo(class).ObjectsInUse)

	require.Nil(t, c.DrainAll())
	require.Zero(t, c.Cached())
	require.Zero(t, h.Slabs().CacheInfo(class).ObjectsInUse)
}

func TestPerCPUCacheRestoresInterrupts(t *testing.T) {
	h := newTestHeap(t, 16, nil)
	c := h.Cache()

	obj, err := c.Allocate(3, 0)
	require.Nil(t, err)
	require.True(t, cpu.InterruptsEnabled(3))

	require.Nil(t, c.Free(3, 0, obj))
	require.True(t, cpu.InterruptsEnabled(3))

	require.Nil(t, c.Drain(3))
	require.True(t, cpu.InterruptsEnabled(3))
}

func TestPerCPUCacheInvalidCPU(t *testing.T) {
	h := newTestHeap(t, 16, nil)
	c := h.Cache()

	_, err := c.Allocate(-1, 0)
	require.Equal(t, errInvalidCPU, err)
	require.Equal(t, errInvalidCPU, c.Free(c.CPUs(), 0, testBase))
	require.Equal(t, errInvalidCPU, c.Drain(c.CPUs()))
}

func TestPerCPUCacheDoubleFreeIsFatal(t *testing.T) {
	h := newTestHeap(t, 16, nil)
	c := h.Cache()

	obj, err := c.Allocate(0, 0)
	require.Nil(t, err)
	require.Nil(t, c.Free(0, 0, obj))

	expectHalt(t, func() { _ = c.Free(0, 0, obj) })
	require.True(t, cpu.InterruptsEnabled(0), "expected interrupts to be restored while unwinding")
}

func TestAllocateWithInterruptsMasked(t *testing.T) {
	h := newTestHeap(t, 16, nil)

	state := cpu.DisableInterrupts(0)
	defer cpu.RestoreInterrupts(0, state)

	done := make(chan error, 1)
	go func() {
		addr, err := h.AllocateOn(0, mm.NewLayout(32, 0))
		if err == nil {
			err = h.DeallocateOn(0, addr, 32)
		}
		if err == nil {
			err = h.Cache().Drain(0)
		}
		if err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("allocation on a CPU with interrupts masked did not return")
	}

	require.False(t, cpu.InterruptsEnabled(0), "expected the outer masked section to stay masked")
}
