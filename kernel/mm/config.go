package mm

import (
	"strconv"

	"nos/kernel"
	"nos/kernel/cpu"
)

// Config holds the tunables of the memory-management core.
type Config struct {
	// MaxOrder is the number of buddy free lists; the largest block is
	// 2^(MaxOrder-1) pages.
	MaxOrder int

	// SlabBytes is the size of a single slab. It is rounded up to a
	// power-of-two number of pages.
	SlabBytes uintptr

	// MaxEmptySlabs is the number of empty slabs each cache keeps around
	// before returning the least-recently-emptied one to the buddy
	// allocator.
	MaxEmptySlabs int

	// CPUs is the number of per-CPU caches.
	CPUs int

	// MagazineSize bounds each per-CPU free list; MagazineBatch objects are
	// moved per refill or drain.
	MagazineSize  int
	MagazineBatch int

	// HugePages enables promotion of contiguous mappings to huge pages.
	HugePages bool

	// Arch selects the page table format ("x86_64", "aarch64", "riscv64").
	// An empty value selects the build architecture.
	Arch string

	// KernelStart and KernelEnd delimit the physical range occupied by the
	// kernel image. These frames are never handed out.
	KernelStart, KernelEnd uintptr
}

var errBadCmdLineValue = &kernel.Error{Module: "mm", Message: "invalid memory-management command line value"}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOrder:      11,
		SlabBytes:     PageSize,
		MaxEmptySlabs: 2,
		CPUs:          4,
		MagazineSize:  32,
		MagazineBatch: 16,
		HugePages:     true,
	}
}

// ApplyCmdLine overrides configuration values with the mm.* keys of the
// kernel command line.
func (c *Config) ApplyCmdLine(kv map[string]string) *kernel.Error {
	ints := []struct {
		key string
		dst *int
	}{
		{"mm.maxorder", &c.MaxOrder},
		{"mm.maxemptyslabs", &c.MaxEmptySlabs},
		{"mm.cpus", &c.CPUs},
		{"mm.magazine", &c.MagazineSize},
		{"mm.magazinebatch", &c.MagazineBatch},
	}

	for _, opt := range ints {
		v, ok := kv[opt.key]
		if !ok {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return errBadCmdLineValue
		}
		*opt.dst = n
	}

	if v, ok := kv["mm.slabbytes"]; ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return errBadCmdLineValue
		}
		c.SlabBytes = uintptr(n)
	}

	if v, ok := kv["mm.hugepages"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errBadCmdLineValue
		}
		c.HugePages = b
	}

	if _, ok := kv["nohugepages"]; ok {
		c.HugePages = false
	}

	if v, ok := kv["mm.arch"]; ok {
		c.Arch = v
	}

	return c.Validate()
}

var errBadConfig = &kernel.Error{Module: "mm", Message: "invalid memory-management configuration"}

// Validate checks the configuration for consistency.
func (c *Config) Validate() *kernel.Error {
	switch {
	case c.MaxOrder < 1 || c.MaxOrder > 20:
		return errBadConfig
	case c.SlabBytes < PageSize:
		return errBadConfig
	case c.MaxEmptySlabs < 0:
		return errBadConfig
	case c.CPUs < 1 || c.CPUs > cpu.MaxCPUs:
		return errBadConfig
	case c.MagazineSize < 1 || c.MagazineBatch < 1 || c.MagazineBatch > c.MagazineSize:
		return errBadConfig
	case c.KernelEnd < c.KernelStart:
		return errBadConfig
	}

	// A slab must fit into the largest buddy block.
	if slabPages := (c.SlabBytes + PageSize - 1) >> PageShift; slabPages > uintptr(1)<<uint(c.MaxOrder-1) {
		return errBadConfig
	}

	return nil
}
