// Command bulkprobe is the entry point for the bulk scan pipeline. The
// controller publishes scan jobs and tracks progress; workers consume
// jobs and persist results.
package main

import (
	"github.com/bulkprobe/bulkprobe/cmd/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
