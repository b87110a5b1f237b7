// Command chengis is the client CLI: trigger a job, cancel a running build,
// and resolve pending approval gates against a running master, all over
// plain HTTP. One cobra subcommand file per operation.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
