// Command scanengine serves the scan submission and status API and runs
// the scan workers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scanengine: %v\n", err)
		os.Exit(1)
	}
}
