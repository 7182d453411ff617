package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"stackmem/pkg/stack"
)

// newStackCmd creates the "stackmem stack" subcommand.
func newStackCmd() *cobra.Command {
	var (
		maxEvents int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Show the hot stack",
		Long:  "Renders the open frame chain root-to-leaf with each frame's goal,\nanchors, and recent events. This is the working context an agent\nreloads at session start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			fcs, err := a.store.HotStackContext(ctx, maxEvents)
			if err != nil {
				return fmt.Errorf("stack: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(fcs)
			}

			if len(fcs) == 0 {
				fmt.Fprintln(out, "Hot stack is empty.")
				return nil
			}
			for _, fc := range fcs {
				writeFrameContext(out, fc)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxEvents, "events", 5, "recent events shown per frame (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}

func writeFrameContext(out io.Writer, fc stack.FrameContext) {
	indent := strings.Repeat("  ", fc.Frame.Depth)
	fmt.Fprintf(out, "%s[%d] %s (%s) %s\n", indent, fc.Frame.Depth, fc.Frame.Name, fc.Frame.Type, fc.Frame.FrameID)
	if fc.Goal != fc.Frame.Name && fc.Goal != "" {
		fmt.Fprintf(out, "%s    goal: %s\n", indent, fc.Goal)
	}
	for _, c := range fc.Constraints {
		fmt.Fprintf(out, "%s    constraint: %s\n", indent, c)
	}
	for _, an := range fc.Anchors {
		fmt.Fprintf(out, "%s    [%s/%d] %s\n", indent, an.Type, an.Priority, an.Text)
	}
	for _, e := range fc.RecentEvents {
		fmt.Fprintf(out, "%s    %s %s\n", indent, e.Timestamp.Format("15:04:05"), e.Type)
	}
	for _, art := range fc.Artifacts {
		fmt.Fprintf(out, "%s    artifact: %s\n", indent, art)
	}
}
