package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

// newCleanupCmd creates the "stackmem cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	var (
		olderThan string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep expired closed frames from every tier",
		Long:  "Deletes closed frames past each tier's max_age retention window,\nalong with their events and anchors. Open frames are never swept.\nTiers without max_age are skipped unless --older-than is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			var override time.Duration
			if olderThan != "" {
				override, err = time.ParseDuration(olderThan)
				if err != nil {
					return fmt.Errorf("cleanup: bad --older-than %q: %w", olderThan, err)
				}
			}

			out := cmd.OutOrStdout()
			now := time.Now().UTC()
			total := 0
			for _, tier := range a.router.Tiers() {
				maxAge := tier.Config.MaxAge
				if override > 0 {
					maxAge = override
				}
				if maxAge <= 0 {
					fmt.Fprintf(out, "%s: no retention window, skipped\n", tier.Name)
					continue
				}
				cutoff := now.Add(-maxAge)

				if dryRun {
					n, err := countSweepable(ctx, tier, a.scope, cutoff)
					if err != nil {
						return fmt.Errorf("cleanup %s: %w", tier.Name, err)
					}
					fmt.Fprintf(out, "%s: would sweep %d frame(s) closed before %s\n",
						tier.Name, n, cutoff.Format(time.RFC3339))
					total += n
					continue
				}

				var n int
				err := tier.Pool.Do(ctx, func(ad storage.Adapter) error {
					var err error
					n, err = ad.Sweep(ctx, cutoff)
					return err
				})
				if err != nil {
					return fmt.Errorf("cleanup %s: %w", tier.Name, err)
				}
				fmt.Fprintf(out, "%s: swept %d frame(s)\n", tier.Name, n)
				total += n
			}

			if dryRun {
				fmt.Fprintf(out, "Dry run: %d frame(s) total, nothing deleted\n", total)
			} else {
				fmt.Fprintf(out, "Swept %d frame(s) total\n", total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "override retention window (e.g. 720h)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be swept without deleting")
	return cmd
}

// countSweepable counts the closed frames a sweep with the given cutoff
// would remove, without deleting anything.
func countSweepable(ctx context.Context, tier router.Tier, scope protocol.Scope, cutoff time.Time) (int, error) {
	n := 0
	err := tier.Pool.Do(ctx, func(ad storage.Adapter) error {
		frames, err := ad.ListFrames(ctx, storage.FrameQuery{
			ProjectID: scope.ProjectID,
			RunID:     scope.RunID,
		})
		if err != nil {
			return err
		}
		for _, f := range frames {
			if f.State.Closed() && f.CreatedAt.Before(cutoff) {
				n++
			}
		}
		return nil
	})
	return n, err
}
