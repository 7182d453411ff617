package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newCloseCmd creates the "stackmem close" subcommand.
func newCloseCmd() *cobra.Command {
	var outputs string

	cmd := &cobra.Command{
		Use:   "close [frame-id]",
		Short: "Close a frame and write its digest",
		Long:  "Closes the named frame, or the current top of stack. Open child\nframes are force-closed first. The frame closes in the error state\nwhen it carries an error event no later result resolved.",
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
					return fmt.Errorf("close: hot stack is empty")
				}
			}

			var out json.RawMessage
			if outputs != "" {
				if !json.Valid([]byte(outputs)) {
					return fmt.Errorf("close: --outputs is not valid JSON")
				}
				out = json.RawMessage(outputs)
			}

			if err := a.store.CloseFrame(ctx, frameID, out); err != nil {
				return fmt.Errorf("close: %w", err)
			}

			f, err := a.store.GetFrame(ctx, frameID)
			if err != nil {
				return fmt.Errorf("close: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed frame %s (%s)\n%s\n", frameID, f.State, f.DigestText)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputs, "outputs", "", "JSON outputs recorded on the frame")
	return cmd
}
