package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"nos/kernel/mm"
)

func newStatsCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Boot and print memory statistics",
		Long: `Boot the memory-management core on the simulated machine and print the
memory statistics snapshot taken right after initialization.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			mgr, shutdown, err := boot(opts, out)
			if err != nil {
				return err
			}
			defer shutdown()

			return printStats(out, mgr.MemoryStats(), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output statistics as JSON")

	return cmd
}

func printStats(out io.Writer, stats mm.MemoryStats, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "Frames:\n")
	fmt.Fprintf(out, "  Total:              %d\n", stats.TotalFrames)
	fmt.Fprintf(out, "  Free:               %d (%d KiB)\n", stats.FreeFrames, stats.FreeBytes()/mm.Kb)
	fmt.Fprintf(out, "  Allocated:          %d (%d KiB)\n", stats.AllocatedFrames, stats.UsedBytes()/mm.Kb)
	fmt.Fprintf(out, "  Largest free order: %d\n", stats.LargestFreeOrder)
	fmt.Fprintf(out, "  Fragmentation:      %d%%\n", stats.FragmentationPct)
	fmt.Fprintf(out, "  Allocs/Frees:       %d/%d\n", stats.FrameAllocs, stats.FrameFrees)

	fmt.Fprintf(out, "Free blocks:\n")
	for order, count := range stats.FreeBlocks {
		if count == 0 {
			continue
		}
		fmt.Fprintf(out, "  Order %-2d:           %d\n", order, count)
	}

	fmt.Fprintf(out, "Heap:\n")
	fmt.Fprintf(out, "  Allocs/Frees:       %d/%d\n", stats.HeapAllocs, stats.HeapFrees)
	fmt.Fprintf(out, "  Failures:           %d\n", stats.HeapFailures)
	fmt.Fprintf(out, "  In use:             %d bytes\n", stats.HeapInUse)
	fmt.Fprintf(out, "  Slab pages:         %d\n", stats.SlabPages)
	fmt.Fprintf(out, "  Slab objects:       %d\n", stats.SlabObjectsInUse)
	fmt.Fprintf(out, "  Per-CPU cached:     %d\n", stats.PerCPUCached)

	fmt.Fprintf(out, "Page tables:\n")
	fmt.Fprintf(out, "  Frames:             %d\n", stats.PageTableFrames)
	return nil
}
