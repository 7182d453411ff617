package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"stackmem/pkg/protocol"
)

// newEventCmd creates the "stackmem event" subcommand.
func newEventCmd() *cobra.Command {
	var (
		eventType string
		frameID   string
	)

	cmd := &cobra.Command{
		Use:   "event [data-json]",
		Short: "Append an event to a frame",
		Long:  "Appends one event to the named frame, or the current top of stack.\nAn error event marks the frame failing until a result event\nresolves it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			var data json.RawMessage
			if len(args) == 1 && args[0] != "" {
				if !json.Valid([]byte(args[0])) {
					return fmt.Errorf("event: data is not valid JSON")
				}
				data = json.RawMessage(args[0])
			}

			id, err := a.store.AddEvent(ctx, frameID, eventType, data)
			if err != nil {
				return fmt.Errorf("event: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s event %s\n", eventType, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", protocol.EventObservation,
		"event type (tool_call, decision, observation, error, result, or custom)")
	cmd.Flags().StringVar(&frameID, "frame", "", "target frame id (default: current top of stack)")
	return cmd
}
