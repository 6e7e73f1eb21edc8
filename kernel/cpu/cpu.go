// Package cpu models the per-CPU state that the memory-management core
// depends on: local interrupt masking, the active page table root and the
// local TLB. The kernel reaches these primitives through package-level
// function variables so they can be swapped for the real instructions
// (cli/sti, invlpg, tlbi, sfence.vma) on bare metal and mocked by tests.
package cpu

import (
	"nos/kernel"
	"sync/atomic"
)

// MaxCPUs is the number of logical CPUs tracked by the model.
const MaxCPUs = 64

// IRQState is returned by DisableInterrupts and captures whether interrupts
// were enabled before the call.
type IRQState bool

type localState struct {
	// irqMasked is set while the CPU runs with interrupts disabled.
	irqMasked atomic.Bool

	activePDT atomic.Uintptr

	tlbEntryFlushes atomic.Uint64
	tlbFullFlushes  atomic.Uint64
}

var (
	cpus [MaxCPUs]localState

	// currentIDFn reports the CPU the caller runs on.
	currentIDFn = func() int { return 0 }

	errHalted = &kernel.Error{Module: "cpu", Message: "system halted"}
)

// CurrentID returns the index of the CPU executing the caller.
func CurrentID() int {
	return currentIDFn()
}

// DisableInterrupts masks interrupts on the specified CPU and returns the
// previous state, which must be passed to RestoreInterrupts. Like pushf/cli
// it never blocks: calling it with interrupts already masked returns a
// state that leaves them masked when restored, so masked sections nest.
func DisableInterrupts(id int) IRQState {
	return IRQState(cpus[id].irqMasked.CompareAndSwap(false, true))
}

// RestoreInterrupts re-enables interrupts on the specified CPU if they were
// enabled when the matching DisableInterrupts call was made.
func RestoreInterrupts(id int, prev IRQState) {
	if prev {
		cpus[id].irqMasked.Store(false)
	}
}

// InterruptsEnabled returns true if interrupts are not masked on the
// specified CPU.
func InterruptsEnabled(id int) bool {
	return !cpus[id].irqMasked.Load()
}

// Halt stops instruction execution. In a hosted build the calling goroutine
// is unwound instead so the halt can be observed.
func Halt() {
	panic(errHalted)
}

// IsHalt returns true if v is the value Halt unwinds with.
func IsHalt(v interface{}) bool {
	err, ok := v.(*kernel.Error)
	return ok && err == errHalted
}

// FlushTLBEntry invalidates the local TLB entry for a particular virtual
// address.
func FlushTLBEntry(virtAddr uintptr) {
	cpus[CurrentID()].tlbEntryFlushes.Add(1)
}

// FlushTLBAll invalidates all non-global local TLB entries.
func FlushTLBAll() {
	cpus[CurrentID()].tlbFullFlushes.Add(1)
}

// TLBFlushCount returns the number of single-entry and full TLB flushes
// performed on the specified CPU.
func TLBFlushCount(id int) (entries, full uint64) {
	return cpus[id].tlbEntryFlushes.Load(), cpus[id].tlbFullFlushes.Load()
}

// SwitchPDT sets the root page table to point to the specified physical
// address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	c := &cpus[CurrentID()]
	c.activePDT.Store(pdtPhysAddr)
	c.tlbFullFlushes.Add(1)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return cpus[CurrentID()].activePDT.Load()
}
