//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package mm

import "nos/kernel"

// allocBacking falls back to the Go heap on platforms without anonymous
// mmap support.
func allocBacking(size uintptr) ([]byte, func([]byte), *kernel.Error) {
	return make([]byte, size), nil, nil
}
