package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is called by a spinning task once it exhausts its
	// acquisition attempts.
	yieldFn = runtime.Gosched
)

// archAcquireSpinlock spins on state until it can swap it from 0 to 1.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}
