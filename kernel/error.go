package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that point to an Error instance so that callers can compare them
// by identity without allocating.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
