package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/domain/build"
)

type triggerRequest struct {
	Bindings        map[string]string `json:"bindings"`
	RepoURL         string            `json:"repo_url"`
	Branch          string            `json:"branch"`
	RequiredLabels  []string          `json:"required_labels"`
	PreferredRegion string            `json:"preferred_region"`
}

func newTriggerCmd(flags *rootFlags) *cobra.Command {
	var (
		bindings        []string
		repoURL         string
		branch          string
		requiredLabels  []string
		preferredRegion string
	)

	cmd := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Trigger a new build of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseBindings(bindings)
			if err != nil {
				return err
			}

			req := triggerRequest{
				Bindings:        parsed,
				RepoURL:         repoURL,
				Branch:          branch,
				RequiredLabels:  requiredLabels,
				PreferredRegion: preferredRegion,
			}

			var b build.Build
			client := newMasterClient(flags)
			if err := client.do(cmd.Context(), "POST", "/jobs/"+args[0]+"/trigger", req, &b); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			fmt.Fprintf(cmd.OutOrStdout(), "triggered build %s (status: %s)\n", b.ID, b.Status)
			return enc.Encode(b)
		},
	}

	cmd.Flags().StringArrayVar(&bindings, "bind", nil, "parameter binding as key=value (repeatable)")
	cmd.Flags().StringVar(&repoURL, "repo", "", "source repository URL")
	cmd.Flags().StringVar(&branch, "branch", "", "source branch/ref")
	cmd.Flags().StringArrayVar(&requiredLabels, "label", nil, "required agent label (repeatable)")
	cmd.Flags().StringVar(&preferredRegion, "region", "", "preferred agent region")
	return cmd
}

func parseBindings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --bind %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
