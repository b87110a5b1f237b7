package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a build running locally on the master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newMasterClient(flags)
			if err := client.do(cmd.Context(), "POST", "/api/builds/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelling build %s\n", args[0])
			return nil
		},
	}
	return cmd
}
