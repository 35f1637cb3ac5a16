// Command goalrunner executes a task graph against a repository using a pool
// of coding-agent CLIs, and manages the runs it has recorded.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
