package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"

	"nos/kernel"
	"nos/kernel/kmem"
	"nos/kernel/mm"
)

type runOptions struct {
	ops     int
	seed    int64
	maxSize uint64
	maxLive int
}

// liveBlock tracks an allocation made by the workload. Every byte of a live
// block holds its tag.
type liveBlock struct {
	addr mm.PhysAddr
	size uintptr
	tag  byte
}

type workloadResult struct {
	allocs, frees, reallocs, failures uint64
	peakInUse                         uint64
}

var workloadAligns = []uintptr{8, 8, 8, 16, 64, 256, mm.PageSize}

func newRunCmd(opts *options) *cobra.Command {
	runOpts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a randomized allocation workload",
		Long: `Run a randomized mix of allocations, reallocations and frees spread over
all simulated CPUs. Blocks are checked for zero fill on allocation and
for corruption before they are released. When the workload finishes all
blocks are freed, caches are reclaimed and the allocator invariants are
verified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runOpts.ops <= 0 {
				return fmt.Errorf("--ops must be positive")
			}
			if runOpts.maxLive <= 0 {
				return fmt.Errorf("--max-live must be positive")
			}

			out := cmd.OutOrStdout()
			mgr, shutdown, err := boot(opts, out)
			if err != nil {
				return err
			}
			defer shutdown()

			return runWorkload(mgr, runOpts, out)
		},
	}

	cmd.Flags().IntVar(&runOpts.ops, "ops", 10000, "Number of operations to perform")
	cmd.Flags().Int64Var(&runOpts.seed, "seed", 1, "Random seed")
	cmd.Flags().Uint64Var(&runOpts.maxSize, "max-size", 8192, "Largest allocation size in bytes")
	cmd.Flags().IntVar(&runOpts.maxLive, "max-live", 512, "Largest number of live allocations")

	return cmd
}

func runWorkload(mgr *kmem.Manager, runOpts *runOptions, out io.Writer) error {
	var (
		rng    = rand.New(rand.NewSource(runOpts.seed))
		h      = mgr.Heap()
		cpus   = mgr.Config().CPUs
		live   = make([]liveBlock, 0, runOpts.maxLive)
		res    workloadResult
		nextID byte
		stats  mm.MemoryStats
	)

	for op := 0; op < runOpts.ops; op++ {
		cpu := rng.Intn(cpus)

		switch roll := rng.Intn(100); {
		case len(live) < runOpts.maxLive && (len(live) == 0 || roll < 50):
			size := uintptr(rng.Int63n(int64(runOpts.maxSize) + 1))
			layout := mm.NewLayout(size, workloadAligns[rng.Intn(len(workloadAligns))])
			addr, kerr := h.AllocateOn(cpu, layout)
			if kerr != nil {
				if !isPressureError(kerr) {
					return fmt.Errorf("op %d: allocate(%d, %d): %s", op, layout.Size, layout.Align, kerr.Message)
				}
				res.failures++
				continue
			}
			if !addr.IsAligned(layout.Align) {
				return fmt.Errorf("op %d: block 0x%x is not aligned to %d", op, addr, layout.Align)
			}

			nextID++
			block := liveBlock{addr: addr, size: size, tag: nextID}
			if err := checkFill(mgr, block.addr, block.size, 0); err != nil {
				return fmt.Errorf("op %d: fresh block not zeroed: %w", op, err)
			}
			if err := fill(mgr, block); err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
			live = append(live, block)
			res.allocs++
		case roll < 70:
			idx := rng.Intn(len(live))
			block := live[idx]
			newSize := uintptr(rng.Int63n(int64(runOpts.maxSize) + 1))

			if err := checkFill(mgr, block.addr, block.size, block.tag); err != nil {
				return fmt.Errorf("op %d: block corrupted before reallocate: %w", op, err)
			}
			newAddr, kerr := h.Reallocate(block.addr, block.size, newSize, 8)
			if kerr != nil {
				if !isPressureError(kerr) {
					return fmt.Errorf("op %d: reallocate(0x%x, %d, %d): %s", op, block.addr, block.size, newSize, kerr.Message)
				}
				res.failures++
				continue
			}

			keep := block.size
			if newSize < keep {
				keep = newSize
			}
			if err := checkFill(mgr, newAddr, keep, block.tag); err != nil {
				return fmt.Errorf("op %d: reallocate lost block contents: %w", op, err)
			}

			block.addr, block.size = newAddr, newSize
			if err := fill(mgr, block); err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
			live[idx] = block
			res.reallocs++
		default:
			idx := rng.Intn(len(live))
			if err := releaseBlock(mgr, cpu, live[idx]); err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			res.frees++
		}

		if inUse := mgr.MemoryStats().HeapInUse; inUse > res.peakInUse {
			res.peakInUse = inUse
		}
	}

	fmt.Fprintf(out, "workload: %d allocs, %d reallocs, %d frees, %d failures, peak heap %d bytes\n",
		res.allocs, res.reallocs, res.frees, res.failures, res.peakInUse)

	for i, block := range live {
		if err := releaseBlock(mgr, i%cpus, block); err != nil {
			return err
		}
	}

	reclaimed := mgr.Reclaim()
	fmt.Fprintf(out, "reclaimed %d frames\n", reclaimed)

	h.Stats(&stats)
	if stats.HeapInUse != 0 {
		return fmt.Errorf("heap reports %d bytes in use after releasing every block", stats.HeapInUse)
	}
	if kerr := mgr.Frames().CheckInvariants(); kerr != nil {
		return fmt.Errorf("frame allocator invariants violated: %s", kerr.Message)
	}
	fmt.Fprintln(out, "invariants: ok")

	return printStats(out, mgr.MemoryStats(), false)
}

// isPressureError returns true for errors caused by running out of memory
// rather than by a misbehaving allocator.
func isPressureError(err *kernel.Error) bool {
	return err == mm.ErrOutOfMemory || err == mm.ErrTooFragmented
}

func releaseBlock(mgr *kmem.Manager, cpu int, block liveBlock) error {
	if err := checkFill(mgr, block.addr, block.size, block.tag); err != nil {
		return fmt.Errorf("block corrupted before deallocate: %w", err)
	}
	if kerr := mgr.Heap().DeallocateOn(cpu, block.addr, block.size); kerr != nil {
		return fmt.Errorf("deallocate(0x%x, %d): %s", block.addr, block.size, kerr.Message)
	}
	return nil
}

func fill(mgr *kmem.Manager, block liveBlock) error {
	if block.size == 0 {
		return nil
	}
	data, kerr := mgr.Heap().Bytes(block.addr, block.size)
	if kerr != nil {
		return fmt.Errorf("bytes(0x%x, %d): %s", block.addr, block.size, kerr.Message)
	}
	for i := range data {
		data[i] = block.tag
	}
	return nil
}

// checkFill verifies that size bytes at addr all hold the value exp.
func checkFill(mgr *kmem.Manager, addr mm.PhysAddr, size uintptr, exp byte) error {
	if size == 0 {
		return nil
	}
	data, kerr := mgr.Heap().Bytes(addr, size)
	if kerr != nil {
		return fmt.Errorf("bytes(0x%x, %d): %s", addr, size, kerr.Message)
	}
	for i, b := range data {
		if b != exp {
			return fmt.Errorf("byte %d of block 0x%x is 0x%x; expected 0x%x", i, addr, b, exp)
		}
	}
	return nil
}
