package vmm

// DefaultArch returns the paging scheme of the build architecture.
func DefaultArch() PageTableOps { return X86_64{} }
