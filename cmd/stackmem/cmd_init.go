package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"stackmem/pkg/config"
)

// newInitCmd creates the "stackmem init" subcommand.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the stackmem home directory",
		Long:  "Creates the state directory, writes a default single-tier config\nif none exists, and initializes every declared tier's schema.\nSafe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			if err := os.MkdirAll(paths.Home, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", paths.Home, err)
			}

			wrote, err := ensureConfig(paths)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}

			// BuildRouter connects and initializes every tier's schema.
			_, closeFn, err := config.BuildRouter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := closeFn(cmd.Context()); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}

			out := cmd.OutOrStdout()
			if wrote {
				fmt.Fprintf(out, "Wrote default config: %s\n", paths.ConfigPath)
			}
			fmt.Fprintf(out, "Initialized %d tier(s) under %s\n", len(cfg.Tiers), paths.Home)
			return nil
		},
	}
}

// ensureConfig writes the default config file when none exists. Reports
// whether it wrote one.
func ensureConfig(paths *Paths) (bool, error) {
	if _, err := os.Stat(paths.ConfigPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config: %w", err)
	}

	data, err := toml.Marshal(config.Default(paths.DBPath))
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(paths.ConfigPath, data, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
