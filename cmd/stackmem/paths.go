package main

import (
	"fmt"
	"os"
	"path/filepath"

	"stackmem/pkg/protocol"
)

// Paths holds all resolved stackmem state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.stackmem or STACKMEM_HOME
	DBPath     string // frames.db or STACKMEM_DB_PATH
	ConfigPath string // config.toml or STACKMEM_CONFIG
}

// ResolvePaths returns all stackmem paths, respecting env var overrides.
// Environment variables:
//   - STACKMEM_HOME: base directory for all state (default: ~/.stackmem)
//   - STACKMEM_DB_PATH: frame database (default: $STACKMEM_HOME/frames.db)
//   - STACKMEM_CONFIG: tier config file (default: $STACKMEM_HOME/config.toml)
//
// If STACKMEM_HOME is set, it becomes the base for the defaults. The
// specific env vars override both the default and the home base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		DBPath:     resolvePathWithEnv("STACKMEM_DB_PATH", home, "frames.db"),
		ConfigPath: resolvePathWithEnv("STACKMEM_CONFIG", home, "config.toml"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("STACKMEM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.StackmemDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
