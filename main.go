// Command ingest is the entry point for the integration execution pipeline.
// See the cli package for the available roles.
package main

import (
	"os"

	"ingest.groundswell.dev/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
