//go:build !amd64 && !arm64 && !riscv64

package vmm

// DefaultArch returns the paging scheme used when the build architecture has
// no native implementation.
func DefaultArch() PageTableOps { return X86_64{} }
