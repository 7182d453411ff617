package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stackmem/pkg/protocol"
)

// parseAnchorPrefix extracts an anchor type hint prefix from the text.
// Returns (anchorType, remainingText). If no prefix matches, returns
// (AnchorFact, original text).
//
//nolint:gocritic // unnamed results are clear from doc comment
func parseAnchorPrefix(text string) (protocol.AnchorType, string) {
	//nolint:gochecknoglobals // local-scope workaround: defined inline
	prefixes := map[string]protocol.AnchorType{
		"fact:":       protocol.AnchorFact,
		"decision:":   protocol.AnchorDecision,
		"constraint:": protocol.AnchorConstraint,
		"interface:":  protocol.AnchorInterfaceContract,
		"todo:":       protocol.AnchorTodo,
		"risk:":       protocol.AnchorRisk,
	}
	lower := strings.ToLower(text)
	for prefix, typ := range prefixes {
		if strings.HasPrefix(lower, prefix) {
			return typ, strings.TrimSpace(text[len(prefix):])
		}
	}
	return protocol.AnchorFact, text
}

// newNoteCmd creates the "stackmem note" subcommand.
func newNoteCmd() *cobra.Command {
	var (
		priority int
		frameID  string
	)

	cmd := &cobra.Command{
		Use:   "note <text>",
		Short: "Pin an anchor to a frame",
		Long:  "Attaches a durable anchor to the named frame, or the current top\nof stack. Supports type hints via prefix (fact:, decision:,\nconstraint:, interface:, todo:, risk:). Default type: fact.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			typ, text := parseAnchorPrefix(strings.Join(args, " "))

			id, err := a.store.AddAnchor(ctx, frameID, typ, text, priority)
			if err != nil {
				return fmt.Errorf("note: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pinned [%s] anchor %s (priority %d): %s\n", typ, id, priority, text)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 5, "anchor priority 0-10")
	cmd.Flags().StringVar(&frameID, "frame", "", "target frame id (default: current top of stack)")
	return cmd
}
