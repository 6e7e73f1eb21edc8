package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"nos/kernel/kmem"
	"nos/kernel/mm"
	"nos/kernel/mm/vmm"
)

func newMapCmd(opts *options) *cobra.Command {
	var pages uint64

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Map, protect and unmap a region in a new address space",
		Long: `Create a user address space, back a region with contiguous frames and map
it. Every page is translated and checked against its frame. The lower
half of the region is then made read-only, which splits any huge mapping,
and the whole region is unmapped. Empty page tables are reclaimed and the
address space is destroyed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pages == 0 {
				return fmt.Errorf("--pages must be positive")
			}

			out := cmd.OutOrStdout()
			mgr, shutdown, err := boot(opts, out)
			if err != nil {
				return err
			}
			defer shutdown()

			return mapRegion(mgr, uintptr(pages), out)
		},
	}

	cmd.Flags().Uint64Var(&pages, "pages", 512, "Number of pages to map")

	return cmd
}

func mapRegion(mgr *kmem.Manager, pages uintptr, out io.Writer) error {
	initial := mgr.MemoryStats()

	as, kerr := mgr.NewAddressSpace()
	if kerr != nil {
		return fmt.Errorf("new address space: %s", kerr.Message)
	}
	pt := as.PageTable()

	backing, kerr := mgr.AllocatePages(pages)
	if kerr != nil {
		as.Destroy()
		return fmt.Errorf("allocate %d pages: %s", pages, kerr.Message)
	}

	size := pages << mm.PageShift
	start, kerr := as.MapRegion(backing.Frame, size, vmm.FlagWritable|vmm.FlagUser)
	if kerr != nil {
		_ = mgr.FreePages(backing)
		as.Destroy()
		return fmt.Errorf("map region: %s", kerr.Message)
	}
	virt := start.Address()
	fmt.Fprintf(out, "%s: mapped %d pages at 0x%x -> 0x%x\n", pt.Arch().Name(), pages, virt, backing.Address())

	if err := verifyMapping(pt, virt, backing.Frame, pages, vmm.FlagWritable|vmm.FlagUser); err != nil {
		return err
	}
	_, flags, _ := pt.Lookup(virt)
	fmt.Fprintf(out, "huge mapping: %t, page table frames: %d\n", flags&vmm.FlagHuge != 0, pt.TableFrames())

	half := size / 2
	if half > 0 {
		if kerr = as.Mapper().ProtectPages(virt, half, vmm.FlagUser); kerr != nil {
			return fmt.Errorf("protect: %s", kerr.Message)
		}
		if err := verifyMapping(pt, virt, backing.Frame, pages/2, vmm.FlagUser); err != nil {
			return err
		}
		fmt.Fprintf(out, "protected %d pages read-only, page table frames: %d\n", pages/2, pt.TableFrames())
	}

	if kerr = as.Mapper().UnmapPages(virt, size); kerr != nil {
		return fmt.Errorf("unmap: %s", kerr.Message)
	}
	for i := uintptr(0); i < pages; i++ {
		if _, kerr = pt.Translate(virt + mm.VirtAddr(i<<mm.PageShift)); kerr != mm.ErrMappingNotFound {
			return fmt.Errorf("page %d is still mapped after unmap", i)
		}
	}

	reclaimed := pt.ReclaimTables()
	fmt.Fprintf(out, "unmapped; reclaimed %d page tables\n", reclaimed)

	as.Destroy()
	if kerr = mgr.FreePages(backing); kerr != nil {
		return fmt.Errorf("free pages: %s", kerr.Message)
	}

	final := mgr.MemoryStats()
	if final.FreeFrames != initial.FreeFrames || final.PageTableFrames != initial.PageTableFrames {
		return fmt.Errorf("address space teardown leaked %d frames", initial.FreeFrames-final.FreeFrames)
	}
	if kerr = mgr.Frames().CheckInvariants(); kerr != nil {
		return fmt.Errorf("frame allocator invariants violated: %s", kerr.Message)
	}
	fmt.Fprintln(out, "invariants: ok")
	return nil
}

// verifyMapping checks that count pages starting at virt map to consecutive
// frames starting at frame with at least the requested flags.
func verifyMapping(pt *vmm.PageTable, virt mm.VirtAddr, frame mm.Frame, count uintptr, flags vmm.PageFlags) error {
	for i := uintptr(0); i < count; i++ {
		pageVirt := virt + mm.VirtAddr(i<<mm.PageShift)
		got, gotFlags, kerr := pt.Lookup(pageVirt)
		if kerr != nil {
			return fmt.Errorf("lookup 0x%x: %s", pageVirt, kerr.Message)
		}
		if exp := frame + mm.Frame(i); got != exp {
			return fmt.Errorf("page 0x%x maps frame %d; expected %d", pageVirt, got, exp)
		}
		if gotFlags&flags != flags {
			return fmt.Errorf("page 0x%x has flags 0x%x; expected 0x%x", pageVirt, gotFlags, flags)
		}
		if flags&vmm.FlagWritable == 0 && gotFlags&vmm.FlagWritable != 0 {
			return fmt.Errorf("page 0x%x is writable", pageVirt)
		}
	}
	return nil
}
