package main

import (
	"fmt"

	"stackmem/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root stackmem command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stackmem",
		Short:         "Persistent working context for coding agents",
		Long:          "stackmem keeps an agent's working context across sessions.\nFrames stack up like function calls, close into digests, and come\nback later through ranked retrieval.",
		Version:       fmt.Sprintf("stackmem %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().String("project", "", "project scope (default: config project_id, then directory name)")
	cmd.PersistentFlags().String("run", "", "run scope (default: STACKMEM_RUN or \"default\")")

	cmd.AddCommand(
		newInitCmd(),
		newBeginCmd(),
		newCloseCmd(),
		newEventCmd(),
		newNoteCmd(),
		newStackCmd(),
		newRecallCmd(),
		newEventsCmd(),
		newStatusCmd(),
		newCleanupCmd(),
		newDashCmd(),
	)

	return cmd
}
