package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"nos/kernel/kmem"
	"nos/kernel/mm"
)

func newFragCmd(opts *options) *cobra.Command {
	var stride int

	cmd := &cobra.Command{
		Use:   "frag",
		Short: "Fragment physical memory and verify coalescing",
		Long: `Allocate every free frame one at a time, then release every Nth frame by
address so that no two free frames are buddies. The resulting
fragmentation is reported and a two-page heap allocation is attempted,
which must fail as too fragmented. Finally the remaining frames are freed
and the allocator must coalesce back to its initial state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stride < 2 {
				return fmt.Errorf("--stride must be at least 2")
			}

			out := cmd.OutOrStdout()
			mgr, shutdown, err := boot(opts, out)
			if err != nil {
				return err
			}
			defer shutdown()

			return fragment(mgr, stride, out)
		},
	}

	cmd.Flags().IntVar(&stride, "stride", 2, "Release every Nth frame")

	return cmd
}

func fragment(mgr *kmem.Manager, stride int, out io.Writer) error {
	var (
		frames   = mgr.Frames()
		initial  = mgr.MemoryStats()
		held     []mm.Frame
		released = make(map[mm.Frame]bool)
	)

	fmt.Fprintf(out, "initial: %d free frames, largest free order %d, fragmentation %d%%\n",
		initial.FreeFrames, initial.LargestFreeOrder, initial.FragmentationPct)

	for {
		frame, kerr := frames.AllocFrame()
		if kerr == mm.ErrPhysOutOfMemory {
			break
		} else if kerr != nil {
			return fmt.Errorf("alloc frame: %s", kerr.Message)
		}
		held = append(held, frame)
	}
	fmt.Fprintf(out, "allocated %d frames\n", len(held))

	slices.Sort(held)
	for i := 0; i < len(held); i += stride {
		if kerr := frames.FreeFrame(held[i]); kerr != nil {
			return fmt.Errorf("free frame %d: %s", held[i], kerr.Message)
		}
		released[held[i]] = true
	}

	fragmented := mgr.MemoryStats()
	fmt.Fprintf(out, "fragmented: %d free frames, largest free order %d, fragmentation %d%%\n",
		fragmented.FreeFrames, fragmented.LargestFreeOrder, fragmented.FragmentationPct)

	addr, kerr := mgr.Allocate(2*mm.PageSize, 8)
	switch kerr {
	case nil:
		fmt.Fprintf(out, "two-page allocation: succeeded at 0x%x\n", addr)
		if kerr = mgr.Deallocate(addr, 2*mm.PageSize); kerr != nil {
			return fmt.Errorf("deallocate: %s", kerr.Message)
		}
	case mm.ErrTooFragmented, mm.ErrOutOfMemory:
		fmt.Fprintf(out, "two-page allocation: %s\n", kerr.Message)
	default:
		return fmt.Errorf("two-page allocation: %s", kerr.Message)
	}

	for _, frame := range held {
		if released[frame] {
			continue
		}
		if kerr := frames.FreeFrame(frame); kerr != nil {
			return fmt.Errorf("free frame %d: %s", frame, kerr.Message)
		}
	}
	mgr.Reclaim()

	final := mgr.MemoryStats()
	fmt.Fprintf(out, "coalesced: %d free frames, largest free order %d, fragmentation %d%%\n",
		final.FreeFrames, final.LargestFreeOrder, final.FragmentationPct)

	if final.FreeFrames != initial.FreeFrames || final.LargestFreeOrder != initial.LargestFreeOrder {
		return fmt.Errorf("frames did not coalesce back to the initial state")
	}
	if kerr := frames.CheckInvariants(); kerr != nil {
		return fmt.Errorf("frame allocator invariants violated: %s", kerr.Message)
	}
	fmt.Fprintln(out, "invariants: ok")
	return nil
}
