// Command docuforge is the realtime sync client for docuforge documents.
package main

import (
	"fmt"
	"os"

	"github.com/ricochet1k/docuforge/internal/cli"
)

// Version information, set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version, commit, date); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
