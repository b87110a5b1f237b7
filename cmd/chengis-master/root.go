package main

import (
	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/ports"
)

func newRootCmd(logger ports.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "chengis-master",
		Short:         "Run the chengis CI engine master process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the master's YAML config file")

	cmd.AddCommand(newServeCmd(logger, &configPath))
	cmd.AddCommand(newMigrateCmd(logger, &configPath))
	return cmd
}
