package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"nos/kernel/kfmt"
	"nos/kernel/kmain"
	"nos/kernel/kmem"
	"nos/kernel/mm"
	"nos/multiboot"
)

// The synthetic machine loads the kernel image at 1M.
const (
	kernelStart = uintptr(0x100000)
	kernelEnd   = uintptr(0x200000)

	minMemoryMb = 4
)

// options holds the global flags shared by all subcommands.
type options struct {
	memoryMb      uint64
	arch          string
	maxOrder      int
	slabBytes     uint64
	maxEmptySlabs int
	cpus          int
	magazine      int
	magazineBatch int
	noHugePages   bool
	cmdLine       string
	verbose       bool
}

func newRootCmd() *cobra.Command {
	var (
		opts     = &options{}
		defaults = mm.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "memsim",
		Short: "Simulate the kernel memory-management core",
		Long: `memsim boots the kernel memory-management core on top of a synthetic
multiboot memory map and runs allocation workloads against it.

Example:
  memsim run --ops 100000 --cpus 8
  memsim frag --memory 16
  memsim map --pages 1024 --arch riscv64
  memsim stats --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.Uint64Var(&opts.memoryMb, "memory", 64, "Simulated RAM size in MiB")
	flags.StringVar(&opts.arch, "arch", "", "Page table format (x86_64, aarch64, riscv64); defaults to the host architecture")
	flags.IntVar(&opts.maxOrder, "max-order", defaults.MaxOrder, "Number of buddy allocator free lists")
	flags.Uint64Var(&opts.slabBytes, "slab-bytes", uint64(defaults.SlabBytes), "Size of a single slab in bytes")
	flags.IntVar(&opts.maxEmptySlabs, "max-empty-slabs", defaults.MaxEmptySlabs, "Empty slabs kept per size class")
	flags.IntVar(&opts.cpus, "cpus", defaults.CPUs, "Number of simulated CPUs")
	flags.IntVar(&opts.magazine, "magazine", defaults.MagazineSize, "Per-CPU magazine capacity")
	flags.IntVar(&opts.magazineBatch, "magazine-batch", defaults.MagazineBatch, "Objects moved per magazine refill or drain")
	flags.BoolVar(&opts.noHugePages, "no-huge-pages", false, "Disable huge page promotion")
	flags.StringVar(&opts.cmdLine, "cmdline", "", "Extra kernel command line options")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show the kernel log")

	cmd.AddCommand(
		newRunCmd(opts),
		newFragCmd(opts),
		newMapCmd(opts),
		newStatsCmd(opts),
	)

	return cmd
}

// bootCmdLine renders the flags as kernel command line options.
func (opts *options) bootCmdLine() string {
	args := []string{
		fmt.Sprintf("mm.maxorder=%d", opts.maxOrder),
		fmt.Sprintf("mm.slabbytes=%d", opts.slabBytes),
		fmt.Sprintf("mm.maxemptyslabs=%d", opts.maxEmptySlabs),
		fmt.Sprintf("mm.cpus=%d", opts.cpus),
		fmt.Sprintf("mm.magazine=%d", opts.magazine),
		fmt.Sprintf("mm.magazinebatch=%d", opts.magazineBatch),
	}
	if opts.arch != "" {
		args = append(args, "mm.arch="+opts.arch)
	}
	if opts.noHugePages {
		args = append(args, "nohugepages")
	}
	if opts.cmdLine != "" {
		args = append(args, opts.cmdLine)
	}

	return strings.Join(args, " ")
}

// memoryMap returns a PC-like memory map: 639K of low memory, the legacy
// hole and the rest of the RAM above 1M.
func (opts *options) memoryMap() []multiboot.MemoryMapEntry {
	size := opts.memoryMb << 20
	return []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: size - 0x100000, Type: multiboot.MemAvailable},
		{PhysAddress: size, Length: 0x10000, Type: multiboot.MemAcpiReclaimable},
	}
}

// boot brings up the memory-management core. The kernel log is sent to out
// if verbose output is enabled; callers must call the returned shutdown
// function when done.
func boot(opts *options, out io.Writer) (*kmem.Manager, func(), error) {
	if opts.memoryMb < minMemoryMb {
		return nil, nil, fmt.Errorf("at least %d MiB of memory are required", minMemoryMb)
	}

	var logSink io.Writer = io.Discard
	if opts.verbose {
		logSink = kfmt.NewPrefixWriter(out, "kernel")
	}
	kfmt.SetOutputSink(logSink)

	bootInfo := multiboot.Encode(opts.memoryMap(), opts.bootCmdLine(), "memsim")
	mgr, err := kmain.Boot(bootInfo, kernelStart, kernelEnd)
	if err != nil {
		kfmt.SetOutputSink(nil)
		return nil, nil, fmt.Errorf("boot failed: [%s] %s", err.Module, err.Message)
	}

	shutdown := func() {
		mgr.Close()
		kfmt.SetOutputSink(nil)
	}
	return mgr, shutdown, nil
}
