package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	masterURL    string
	sharedSecret string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "chengis",
		Short:         "Trigger, cancel, and approve builds on a chengis master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.masterURL, "master-url", envOr("CHENGIS_MASTER_URL", "http://localhost:8080"), "base URL of the master")
	cmd.PersistentFlags().StringVar(&flags.sharedSecret, "shared-secret", os.Getenv("CHENGIS_DISTRIBUTED_AUTH_TOKEN"), "bearer token for the master's API")

	cmd.AddCommand(newTriggerCmd(flags))
	cmd.AddCommand(newCancelCmd(flags))
	cmd.AddCommand(newApproveCmd(flags, true))
	cmd.AddCommand(newApproveCmd(flags, false))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
