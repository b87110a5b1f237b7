package main

import (
	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/ports"
)

func newRootCmd(logger ports.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chengis-agent",
		Short:         "Run a chengis build agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd(logger))
	return cmd
}
