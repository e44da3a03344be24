// Command jobqueuectl is a thin HTTP client for the admin surface, following
// gocrawl's cmd/root.go Execute() entrypoint shape.
package main

import (
	"fmt"
	"os"

	"github.com/jonesrussell/jobqueue/cmd/jobqueuectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
