// Command memsim boots the memory-management core over a synthetic memory
// map and exercises it with allocation workloads, fragmentation scenarios
// and address space mappings.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
		os.Exit(1)
	}
}
