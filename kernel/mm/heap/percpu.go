package heap

import (
	"nos/kernel"
	"nos/kernel/cpu"
	"nos/kernel/kfmt"
	"nos/kernel/mm"
	"nos/kernel/mm/slab"
	"nos/kernel/sync"
)

var (
	errInvalidCPU  = &kernel.Error{Module: "alloc", Message: "invalid CPU index"}
	errCachedTwice = &kernel.Error{Module: "alloc", Message: "object freed twice into a per-CPU cache"}
)

// magazine is a bounded stack of free objects of one size class.
type magazine struct {
	objs []mm.PhysAddr
}

type cpuCache struct {
	// lock stands in for the CPU itself: on hardware only one thread runs
	// on a CPU at a time, while here any goroutine may act as CPU id.
	lock sync.Spinlock

	magazines [slab.NumClasses]magazine
}

// PerCPUCache keeps a magazine of free objects per size class and CPU so
// that most small allocations are served without touching the slab lock.
// A CPU's magazines are only accessed with interrupts disabled on that CPU.
// Callers may already run with interrupts masked.
type PerCPUCache struct {
	slabs *slab.Allocator

	size  int
	batch int

	cpus []cpuCache
}

// NewPerCPUCache returns a cache with one set of magazines for each of
// cfg.CPUs CPUs. Each magazine holds up to cfg.MagazineSize objects and
// exchanges cfg.MagazineBatch objects at a time with slabs.
func NewPerCPUCache(slabs *slab.Allocator, cfg *mm.Config) *PerCPUCache {
	c := &PerCPUCache{
		slabs: slabs,
		size:  cfg.MagazineSize,
		batch: cfg.MagazineBatch,
		cpus:  make([]cpuCache, cfg.CPUs),
	}

	for id := range c.cpus {
		for class := range c.cpus[id].magazines {
			c.cpus[id].magazines[class].objs = make([]mm.PhysAddr, 0, c.size)
		}
	}
	return c
}

// CPUs returns the number of CPUs served by the cache.
func (c *PerCPUCache) CPUs() int {
	return len(c.cpus)
}

// Allocate pops an object of the given class from the magazine of CPU id,
// refilling the magazine from slabs when it is empty. The object contents
// are undefined.
func (c *PerCPUCache) Allocate(id, class int) (mm.PhysAddr, *kernel.Error) {
	if id < 0 || id >= len(c.cpus) {
		return 0, errInvalidCPU
	}

	unlock := c.lockCPU(id)
	defer unlock()

	m := &c.cpus[id].magazines[class]
	if len(m.objs) == 0 {
		n, err := c.slabs.AllocateBatch(class, m.objs[:c.batch])
		if err != nil {
			return 0, err
		}
		m.objs = m.objs[:n]
	}

	last := len(m.objs) - 1
	obj := m.objs[last]
	m.objs = m.objs[:last]
	return obj, nil
}

// Free pushes obj onto the magazine of CPU id. A full magazine first
// returns a batch of objects to slabs.
func (c *PerCPUCache) Free(id, class int, obj mm.PhysAddr) *kernel.Error {
	if id < 0 || id >= len(c.cpus) {
		return errInvalidCPU
	}

	unlock := c.lockCPU(id)
	defer unlock()

	m := &c.cpus[id].magazines[class]
	for _, cached := range m.objs {
		if cached == obj {
			kfmt.Panic(errCachedTwice)
			return errCachedTwice
		}
	}

	if len(m.objs) == cap(m.objs) {
		keep := len(m.objs) - c.batch
		if err := c.slabs.FreeBatch(class, m.objs[keep:]); err != nil {
			return err
		}
		m.objs = m.objs[:keep]
	}

	m.objs = append(m.objs, obj)
	return nil
}

// Drain returns every object cached by CPU id to slabs.
func (c *PerCPUCache) Drain(id int) *kernel.Error {
	if id < 0 || id >= len(c.cpus) {
		return errInvalidCPU
	}

	unlock := c.lockCPU(id)
	defer unlock()

	for class := range c.cpus[id].magazines {
		m := &c.cpus[id].magazines[class]
		if len(m.objs) == 0 {
			continue
		}
		if err := c.slabs.FreeBatch(class, m.objs); err != nil {
			return err
		}
		m.objs = m.objs[:0]
	}
	return nil
}

// DrainAll drains the magazines of every CPU.
func (c *PerCPUCache) DrainAll() *kernel.Error {
	for id := range c.cpus {
		if err := c.Drain(id); err != nil {
			return err
		}
	}
	return nil
}

// Cached returns the number of objects held by all magazines.
func (c *PerCPUCache) Cached() uint64 {
	var total uint64
	for id := range c.cpus {
		unlock := c.lockCPU(id)
		for class := range c.cpus[id].magazines {
			total += uint64(len(c.cpus[id].magazines[class].objs))
		}
		unlock()
	}
	return total
}

// lockCPU masks interrupts on CPU id and takes ownership of its magazines.
// The returned function undoes both in reverse order.
func (c *PerCPUCache) lockCPU(id int) func() {
	state := cpu.DisableInterrupts(id)
	c.cpus[id].lock.Acquire()

	return func() {
		c.cpus[id].lock.Release()
		cpu.RestoreInterrupts(id, state)
	}
}
