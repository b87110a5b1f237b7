// Command chengis-master boots the master process: the HTTP surface, the
// Durable Build Queue's consumers, Leader Election, and every collaborator
// the Pipeline Executor needs to run a build locally. A cobra root wires
// every long-lived service once at startup into one bundle before the
// server loop starts.
package main

import (
	"fmt"
	"os"

	"github.com/chengis/chengis/internal/infrastructure/logging"
)

func main() {
	appLogger, err := logging.New(logging.Options{Level: "info", Component: "master", Layer: "infrastructure"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(2)
	}

	cmd := newRootCmd(appLogger)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
