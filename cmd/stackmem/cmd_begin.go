package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stackmem/pkg/protocol"
	"stackmem/pkg/stack"
)

// newBeginCmd creates the "stackmem begin" subcommand.
func newBeginCmd() *cobra.Command {
	var (
		frameType string
		parentID  string
		inputs    string
	)

	cmd := &cobra.Command{
		Use:   "begin <name>",
		Short: "Open a new frame on the context stack",
		Long:  "Pushes a frame onto the hot stack. Without --parent the frame\nnests under the current top of stack; the first frame of a run\nbecomes the root.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx) //nolint:errcheck // exit path

			params := stack.CreateParams{
				Type:          protocol.FrameType(frameType),
				Name:          strings.Join(args, " "),
				ParentFrameID: parentID,
			}
			if inputs != "" {
				if !json.Valid([]byte(inputs)) {
					return fmt.Errorf("begin: --inputs is not valid JSON")
				}
				params.Inputs = json.RawMessage(inputs)
			}

			id, err := a.store.CreateFrame(ctx, params)
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Opened frame %s (%s, depth %d)\n",
				id, params.Type, a.store.StackDepth()-1)
			return nil
		},
	}

	cmd.Flags().StringVar(&frameType, "type", string(protocol.FrameTask),
		"frame type: operation, decision, observation, error, checkpoint, task")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent frame id (default: current top of stack)")
	cmd.Flags().StringVar(&inputs, "inputs", "", "JSON inputs recorded on the frame")
	return cmd
}
