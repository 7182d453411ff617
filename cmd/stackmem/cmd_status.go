package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "stackmem status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scope, stack depth, tiers, and query counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scope:       %s / %s\n", a.scope.ProjectID, a.scope.RunID)
			fmt.Fprintf(out, "Stack depth: %d\n", a.store.StackDepth())
			if top := a.store.CurrentFrameID(); top != "" {
				f, err := a.store.GetFrame(ctx, top)
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				fmt.Fprintf(out, "Top frame:   %s (%s, depth %d)\n", f.Name, f.Type, f.Depth)
			}

			fmt.Fprintln(out, "Tiers:")
			for _, tier := range a.router.Tiers() {
				retention := "keep forever"
				if tier.Config.MaxAge > 0 {
					retention = fmt.Sprintf("max age %s", tier.Config.MaxAge)
				}
				fmt.Fprintf(out, "  %-10s priority %3d, pool %d, %s\n",
					tier.Name, tier.Priority, tier.Pool.Size(), retention)
			}

			m := a.router.Metrics()
			fmt.Fprintf(out, "Queries:     %d total\n", m.TotalQueries)
			types := make([]string, 0, len(m.QueriesByType))
			for t := range m.QueriesByType {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Fprintf(out, "  %-10s %d\n", t, m.QueriesByType[t])
			}
			return nil
		},
	}
}
