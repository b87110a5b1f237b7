package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type approveRequest struct {
	User    string `json:"user"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

// newApproveCmd builds either the "approve" or "reject" subcommand; both
// hit the same endpoint with Approve flipped, per spec.md §4.1 step 2's
// single gate-resolution operation with a boolean outcome.
func newApproveCmd(flags *rootFlags, approve bool) *cobra.Command {
	var (
		user    string
		comment string
		yes     bool
	)

	use, short := "reject <build-id> <stage>", "Reject a build's pending approval gate"
	if approve {
		use, short = "approve <build-id> <stage>", "Approve a build's pending approval gate"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID, stage := args[0], args[1]

			if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
				verb := "reject"
				if approve {
					verb = "approve"
				}
				if !confirm(cmd, fmt.Sprintf("%s stage %q of build %s? [y/N] ", verb, stage, buildID)) {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			req := approveRequest{User: user, Approve: approve, Comment: comment}
			client := newMasterClient(flags)
			path := fmt.Sprintf("/api/builds/%s/stages/%s/approve", buildID, stage)
			if err := client.do(cmd.Context(), "POST", path, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded decision on build %s stage %s\n", buildID, stage)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "reviewer identity recorded on the decision")
	cmd.Flags().StringVar(&comment, "comment", "", "optional reviewer comment")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the interactive confirmation prompt")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
