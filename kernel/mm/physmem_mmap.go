//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package mm

import (
	"golang.org/x/sys/unix"

	"nos/kernel"
)

var errBackingMmap = &kernel.Error{Module: "physmem", Message: "unable to map backing storage for physical memory region"}

// allocBacking maps an anonymous, private region for a simulated RAM bank.
// Pages are only committed by the host when first touched, so sparse memory
// maps with large holes or multi-gigabyte banks stay cheap.
func allocBacking(size uintptr) ([]byte, func([]byte), *kernel.Error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errBackingMmap
	}

	return mem, func(b []byte) { _ = unix.Munmap(b) }, nil
}
