package pmm

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nos/kernel"
	"nos/kernel/cpu"
	"nos/kernel/mm"
)

func newTestBuddy(t *testing.T, maxOrder int, available, reserved []mm.PhysicalPage) *BuddyAllocator {
	t.Helper()
	alloc, err := NewBuddyAllocator(maxOrder, available, reserved)
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func stats(alloc *BuddyAllocator) mm.MemoryStats {
	var s mm.MemoryStats
	alloc.Stats(&s)
	return s
}

func TestBuddySeeding(t *testing.T) {
	specs := []struct {
		available []mm.PhysicalPage
		reserved  []mm.PhysicalPage
		maxOrder  int
		expBlocks []uint64
		expTotal  uint64
	}{
		{
			[]mm.PhysicalPage{{Frame: 0, Count: 16}},
			nil,
			5,
			[]uint64{0, 0, 0, 0, 1},
			16,
		},
		{
			// capped by maxOrder
			[]mm.PhysicalPage{{Frame: 0, Count: 16}},
			nil,
			3,
			[]uint64{0, 0, 4},
			16,
		},
		{
			// unaligned run start: frames 1..7
			[]mm.PhysicalPage{{Frame: 1, Count: 7}},
			nil,
			5,
			[]uint64{1, 1, 1, 0, 0},
			7,
		},
		{
			// reserved frame 5 splits the run
			[]mm.PhysicalPage{{Frame: 0, Count: 16}},
			[]mm.PhysicalPage{{Frame: 5, Count: 1}},
			5,
			[]uint64{1, 1, 1, 1, 0},
			15,
		},
		{
			// hole between two runs
			[]mm.PhysicalPage{{Frame: 0, Count: 4}, {Frame: 8, Count: 8}},
			nil,
			5,
			[]uint64{0, 0, 1, 1, 0},
			12,
		},
	}

	for specIndex, spec := range specs {
		alloc := newTestBuddy(t, spec.maxOrder, spec.available, spec.reserved)
		s := stats(alloc)

		if s.TotalFrames != spec.expTotal || s.FreeFrames != spec.expTotal {
			t.Errorf("[spec %d] expected total/free frames to be %d; got %d/%d", specIndex, spec.expTotal, s.TotalFrames, s.FreeFrames)
		}

		for order, exp := range spec.expBlocks {
			if got := s.FreeBlocks[order]; got != exp {
				t.Errorf("[spec %d] expected %d free blocks of order %d; got %d", specIndex, exp, order, got)
			}
		}

		if err := alloc.CheckInvariants(); err != nil {
			t.Errorf("[spec %d] invariant violation: %v", specIndex, err)
		}
	}
}

func TestBuddyAllocateSplitsLargerBlocks(t *testing.T) {
	alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 0, Count: 16}}, nil)

	frame, err := alloc.Allocate(0)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0), frame)

	s := stats(alloc)
	require.Equal(t, []uint64{1, 1, 1, 1, 0}, s.FreeBlocks)
	require.Equal(t, uint64(15), s.FreeFrames)
	require.Equal(t, uint64(1), s.AllocatedFrames)
	require.Nil(t, alloc.CheckInvariants())

	require.Nil(t, alloc.Free(frame, 0))
	s = stats(alloc)
	require.Equal(t, []uint64{0, 0, 0, 0, 1}, s.FreeBlocks)
	require.Nil(t, alloc.CheckInvariants())
}

func TestBuddyCoalescing(t *testing.T) {
	alloc := newTestBuddy(t, 11, []mm.PhysicalPage{{Frame: 0x100, Count: 2}}, nil)

	first, err := alloc.Allocate(0)
	require.Nil(t, err)
	second, err := alloc.Allocate(0)
	require.Nil(t, err)
	require.Equal(t, first^1, second, "expected the two frames to be buddies")

	require.Nil(t, alloc.Free(first, 0))
	require.Nil(t, alloc.Free(second, 0))

	s := stats(alloc)
	require.Equal(t, uint64(0), s.FreeBlocks[0])
	require.Equal(t, uint64(1), s.FreeBlocks[1])

	frame, err := alloc.Allocate(1)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0x100), frame)
}

func TestBuddyReservedFramesNeverCoalesce(t *testing.T) {
	alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 0, Count: 2}}, []mm.PhysicalPage{{Frame: 1, Count: 1}})

	frame, err := alloc.Allocate(0)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0), frame)
	require.Nil(t, alloc.Free(frame, 0))

	s := stats(alloc)
	require.Equal(t, uint64(1), s.FreeBlocks[0])
	require.Equal(t, uint64(0), s.FreeBlocks[1])
}

func TestBuddyErrors(t *testing.T) {
	alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 16, Count: 16}}, nil)

	specs := []struct {
		descr  string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"allocate order == maxOrder", func() *kernel.Error { _, err := alloc.Allocate(5); return err }, mm.ErrInvalidRange},
		{"allocate negative order", func() *kernel.Error { _, err := alloc.Allocate(-1); return err }, mm.ErrInvalidRange},
		{"free order == maxOrder", func() *kernel.Error { return alloc.Free(16, 5) }, mm.ErrInvalidRange},
		{"free frame below range", func() *kernel.Error { return alloc.Free(0, 0) }, mm.ErrInvalidPage},
		{"free frame above range", func() *kernel.Error { return alloc.Free(64, 0) }, mm.ErrInvalidPage},
		{"free misaligned block", func() *kernel.Error { return alloc.Free(17, 1) }, mm.ErrInvalidPage},
		{"allocate zero pages", func() *kernel.Error { _, err := alloc.AllocatePages(0); return err }, mm.ErrInvalidRange},
	}

	for _, spec := range specs {
		if err := spec.fn(); err != spec.expErr {
			t.Errorf("[%s] expected error %v; got %v", spec.descr, spec.expErr, err)
		}
	}
}

func TestBuddyOutOfMemory(t *testing.T) {
	alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 0, Count: 4}}, nil)

	frame, err := alloc.Allocate(2)
	require.Nil(t, err)

	_, err = alloc.Allocate(0)
	require.Equal(t, mm.ErrPhysOutOfMemory, err)

	_, err = alloc.Allocate(3)
	require.Equal(t, mm.ErrPhysOutOfMemory, err)

	require.Nil(t, alloc.Free(frame, 2))
	_, err = alloc.Allocate(0)
	require.Nil(t, err)
}

func TestBuddyDoubleFreeIsFatal(t *testing.T) {
	specs := []struct {
		descr string
		fn    func(*BuddyAllocator, mm.Frame)
	}{
		{"double free", func(alloc *BuddyAllocator, frame mm.Frame) {
			_ = alloc.Free(frame, 1)
			_ = alloc.Free(frame, 1)
		}},
		{"order mismatch", func(alloc *BuddyAllocator, frame mm.Frame) {
			_ = alloc.Free(frame, 0)
		}},
		{"free of tail frame", func(alloc *BuddyAllocator, frame mm.Frame) {
			_ = alloc.Free(frame+1, 0)
		}},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 0, Count: 16}}, nil)
			frame, err := alloc.Allocate(1)
			require.Nil(t, err)

			defer func() {
				if r := recover(); !cpu.IsHalt(r) {
					t.Fatalf("expected the corruption to halt the CPU; got %v", r)
				}
			}()

			spec.fn(alloc, frame)
			t.Fatal("expected a fatal corruption")
		})
	}
}

func TestBuddyAllocatePages(t *testing.T) {
	alloc := newTestBuddy(t, 11, []mm.PhysicalPage{{Frame: 0, Count: 64}}, nil)

	specs := []struct {
		count    uintptr
		expOrder int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{17, 5},
	}

	for specIndex, spec := range specs {
		if got := OrderForPages(spec.count); got != spec.expOrder {
			t.Errorf("[spec %d] expected OrderForPages(%d) to be %d; got %d", specIndex, spec.count, spec.expOrder, got)
		}

		page, err := alloc.AllocatePages(spec.count)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if page.Count != spec.count || uintptr(page.Frame)&(uintptr(1)<<uint(spec.expOrder)-1) != 0 {
			t.Errorf("[spec %d] expected an aligned run of %d frames; got %+v", specIndex, spec.count, page)
		}

		if err := alloc.FreePages(page); err != nil {
			t.Errorf("[spec %d] unexpected error freeing pages: %v", specIndex, err)
		}
	}

	require.Equal(t, uint64(64), alloc.FreeFrames())
}

func TestBuddyFragmentationScenario(t *testing.T) {
	alloc := newTestBuddy(t, 11, []mm.PhysicalPage{{Frame: 0, Count: 64}}, nil)

	frames := make([]mm.Frame, 0, 64)
	for {
		frame, err := alloc.Allocate(0)
		if err == mm.ErrPhysOutOfMemory {
			break
		}
		require.Nil(t, err)
		frames = append(frames, frame)
	}
	require.Len(t, frames, 64)

	// free every other frame
	for index := 0; index < len(frames); index += 2 {
		require.Nil(t, alloc.Free(frames[index], 0))
	}

	s := stats(alloc)
	require.Equal(t, uint64(32), s.FreeFrames)
	require.Equal(t, 0, s.LargestFreeOrder)
	require.Equal(t, uint64(97), s.FragmentationPct)
	require.Nil(t, alloc.CheckInvariants())

	_, err := alloc.Allocate(1)
	require.Equal(t, mm.ErrPhysOutOfMemory, err)

	for index := 1; index < len(frames); index += 2 {
		require.Nil(t, alloc.Free(frames[index], 0))
	}

	s = stats(alloc)
	require.Equal(t, uint64(0), s.FragmentationPct)
	require.Equal(t, 6, s.LargestFreeOrder)

	_, err = alloc.Allocate(1)
	require.Nil(t, err)
}

func TestBuddyConservation(t *testing.T) {
	alloc := newTestBuddy(t, 8, []mm.PhysicalPage{{Frame: 3, Count: 509}, {Frame: 600, Count: 200}}, []mm.PhysicalPage{{Frame: 100, Count: 3}})
	total := stats(alloc).TotalFrames

	type block struct {
		frame mm.Frame
		order int
	}

	rng := rand.New(rand.NewSource(42))
	var live []block
	for step := 0; step < 5000; step++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			order := rng.Intn(alloc.MaxOrder())
			frame, err := alloc.Allocate(order)
			if err == mm.ErrPhysOutOfMemory {
				continue
			}
			require.Nil(t, err)
			require.Zero(t, uintptr(frame)&(uintptr(1)<<uint(order)-1), "block not aligned to its order")
			live = append(live, block{frame, order})
		} else {
			index := rng.Intn(len(live))
			require.Nil(t, alloc.Free(live[index].frame, live[index].order))
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		s := stats(alloc)
		var allocated uint64
		for _, b := range live {
			allocated += uint64(1) << uint(b.order)
		}
		require.Equal(t, allocated, s.AllocatedFrames)
		require.Equal(t, total, s.FreeFrames+s.AllocatedFrames)
	}
	require.Nil(t, alloc.CheckInvariants())

	for _, b := range live {
		require.Nil(t, alloc.Free(b.frame, b.order))
	}
	require.Equal(t, total, alloc.FreeFrames())
	require.Nil(t, alloc.CheckInvariants())
}

func TestBuddyConcurrentAccess(t *testing.T) {
	alloc := newTestBuddy(t, 11, []mm.PhysicalPage{{Frame: 0, Count: 4096}}, nil)

	const numWorkers = 8
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for worker := 0; worker < numWorkers; worker++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				order := rng.Intn(4)
				frame, err := alloc.Allocate(order)
				if err != nil {
					continue
				}
				if err := alloc.Free(frame, order); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	require.Equal(t, uint64(4096), alloc.FreeFrames())
	require.Nil(t, alloc.CheckInvariants())
}

func TestBuddySpan(t *testing.T) {
	alloc := newTestBuddy(t, 5, []mm.PhysicalPage{{Frame: 8, Count: 4}, {Frame: 32, Count: 8}}, nil)
	require.Equal(t, mm.PhysicalPage{Frame: 8, Count: 32}, alloc.Span())
}

func TestBuddySparseSpanRejected(t *testing.T) {
	specs := []struct {
		name      string
		available []mm.PhysicalPage
	}{
		{
			"banks at 4G and 1T",
			[]mm.PhysicalPage{{Frame: 1 << 20, Count: 1024}, {Frame: 1 << 28, Count: 1024}},
		},
		{
			"span one frame over the limit",
			[]mm.PhysicalPage{{Frame: 0, Count: 16}, {Frame: MaxSpanFrames, Count: 1}},
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			alloc, err := NewBuddyAllocator(11, spec.available, nil)
			require.Equal(t, mm.ErrInvalidRange, err)
			require.Nil(t, alloc)
		})
	}
}
