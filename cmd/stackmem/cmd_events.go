package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

// newEventsCmd creates the "stackmem events" subcommand.
func newEventsCmd() *cobra.Command {
	var (
		eventType string
		limit     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "events [frame-id]",
		Short: "List a frame's event log",
		Long:  "Prints the events of the named frame, or the current top of stack,\nin timestamp order. --limit keeps only the most recent N.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			frameID := ""
			if len(args) == 1 {
				frameID = args[0]
			}
			if frameID == "" {
				frameID = a.store.CurrentFrameID()
				if frameID == "" {
					return fmt.Errorf("events: hot stack is empty")
				}
			}

			var events []protocol.Event
			err = a.router.Route(ctx, frameID, router.RouteContext{QueryType: "read"},
				func(ctx context.Context, tier router.Tier) error {
					return tier.Pool.Do(ctx, func(ad storage.Adapter) error {
						var err error
						events, err = ad.ListEvents(ctx, frameID, storage.EventQuery{Type: eventType, Limit: limit})
						return err
					})
				})
			if err != nil {
				return fmt.Errorf("events: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, e := range events {
				fmt.Fprintf(out, "%s  %-12s %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, string(e.Data))
			}
			fmt.Fprintf(out, "%d event(s)\n", len(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 0, "only the most recent N events (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}
