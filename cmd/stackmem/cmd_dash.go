package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "stackmem dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch the interactive dashboard",
		Long:  "Opens the stackmem dashboard TUI for watching the hot stack and\nrecently closed frames live.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isStdoutTTY() {
				return fmt.Errorf("dash: stdout is not a terminal")
			}

			dashCmd := exec.CommandContext(cmd.Context(), "stackmem-dash")
			dashCmd.Stdin = os.Stdin
			dashCmd.Stdout = os.Stdout
			dashCmd.Stderr = os.Stderr

			if err := dashCmd.Run(); err != nil {
				return fmt.Errorf("run stackmem-dash: %w", err)
			}
			return nil
		},
	}
}

// isStdoutTTY reports whether stdout is an interactive terminal.
func isStdoutTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
