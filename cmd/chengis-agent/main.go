// Command chengis-agent boots the agent process: registers with a master,
// sends heartbeats, and runs dispatched builds on a bounded local worker
// pool through the same Build Runner lifecycle a local master dispatch
// uses.
package main

import (
	"fmt"
	"os"

	"github.com/chengis/chengis/internal/infrastructure/logging"
)

func main() {
	appLogger, err := logging.New(logging.Options{Level: "info", Component: "agent", Layer: "infrastructure"})
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
