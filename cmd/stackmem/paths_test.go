package main

import (
	"path/filepath"
	"testing"
)

func TestResolvePaths_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STACKMEM_HOME", home)
	t.Setenv("STACKMEM_DB_PATH", "")
	t.Setenv("STACKMEM_CONFIG", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.Home != home {
		t.Errorf("Home = %q, want %q", paths.Home, home)
	}
	if paths.DBPath != filepath.Join(home, "frames.db") {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
	if paths.ConfigPath != filepath.Join(home, "config.toml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
}

func TestResolvePaths_SpecificOverridesWin(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STACKMEM_HOME", home)
	t.Setenv("STACKMEM_DB_PATH", "/elsewhere/custom.db")
	t.Setenv("STACKMEM_CONFIG", "/elsewhere/custom.toml")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.DBPath != "/elsewhere/custom.db" {
		t.Errorf("DBPath = %q, env override must win", paths.DBPath)
	}
	if paths.ConfigPath != "/elsewhere/custom.toml" {
		t.Errorf("ConfigPath = %q, env override must win", paths.ConfigPath)
	}
}
