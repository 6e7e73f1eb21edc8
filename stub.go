package main

import "nos/kernel/kmain"

var (
	multibootInfo          []byte
	kernelStart, kernelEnd uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code when the image is linked with the rt0 loader, which fills
// in the package variables before jumping here.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(multibootInfo, kernelStart, kernelEnd)
}
