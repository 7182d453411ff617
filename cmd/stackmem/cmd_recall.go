package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stackmem/pkg/retrieve"
)

// newRecallCmd creates the "stackmem recall" subcommand.
func newRecallCmd() *cobra.Command {
	var (
		limit  int
		budget int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Retrieve relevant past frames",
		Long:  "Searches closed-frame digests and returns the best matches, ranked\nby text relevance, anchor priority, and recency, trimmed to an\noptional token budget.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			res, err := a.retriever.Retrieve(ctx, retrieve.Query{
				Text:        strings.Join(args, " "),
				MaxResults:  limit,
				TokenBudget: budget,
			})
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if len(res.Contexts) == 0 {
				fmt.Fprintln(out, "No matching frames.")
				return nil
			}
			for i, rc := range res.Contexts {
				fmt.Fprintf(out, "%d. [%.3f] %s (%s, %s)\n", i+1,
					rc.RelevanceScore, rc.Frame.Name, rc.Frame.Type, rc.Frame.State)
				if rc.MatchedExcerpt != "" {
					fmt.Fprintf(out, "   %s\n", rc.MatchedExcerpt)
				}
			}
			fmt.Fprintf(out, "%d of %d matches in %dms\n",
				len(res.Contexts), res.TotalMatches, res.RetrievalTimeMs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", retrieve.DefaultMaxResults, "maximum results returned")
	cmd.Flags().IntVar(&budget, "budget", 0, "token budget across results (0 = unbounded)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}
