package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stackmem/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_TwoTiers(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
project_id = "website"

[[tiers]]
name = "hot"
kind = "sqlite"
priority = 100
path = "/tmp/stackmem.db"
preferred_operations = ["write", "read", "search"]
features = ["fts"]
busy_timeout = "5s"

[[tiers]]
name = "archive"
kind = "memory"
priority = 10
max_age = "720h"
preferred_operations = ["sweep"]

[tiers.routing_rules]
sweep = "archive"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProjectID != "website" {
		t.Errorf("project_id = %q", cfg.ProjectID)
	}
	if len(cfg.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(cfg.Tiers))
	}
	if cfg.Tiers[0].Kind != config.KindSQLite || cfg.Tiers[0].Path == "" {
		t.Errorf("unexpected hot tier: %+v", cfg.Tiers[0])
	}
	if cfg.Tiers[1].MaxAge != "720h" {
		t.Errorf("archive max_age = %q", cfg.Tiers[1].MaxAge)
	}
}

func TestLoad_MissingFileIsNotExist(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestLoad_RejectsBadConfigs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"no tiers",
			`project_id = "x"`,
			"no tiers",
		},
		{
			"duplicate tier name",
			"[[tiers]]\nname = \"hot\"\nkind = \"memory\"\n[[tiers]]\nname = \"hot\"\nkind = \"memory\"\n",
			"declared twice",
		},
		{
			"sqlite without path",
			"[[tiers]]\nname = \"hot\"\nkind = \"sqlite\"\n",
			"needs path",
		},
		{
			"unknown kind",
			"[[tiers]]\nname = \"hot\"\nkind = \"tape\"\n",
			"unknown kind",
		},
		{
			"bad max_age",
			"[[tiers]]\nname = \"hot\"\nkind = \"memory\"\nmax_age = \"30 days\"\n",
			"max_age",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDefault_SingleSQLiteTier(t *testing.T) {
	t.Parallel()

	cfg := config.Default("/tmp/db.sqlite")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Tiers) != 1 || cfg.Tiers[0].Kind != config.KindSQLite {
		t.Fatalf("unexpected default: %+v", cfg.Tiers)
	}
}

func TestBuildRouter_MemoryAndSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := &config.Config{Tiers: []config.TierSettings{
		{
			Name: "hot", Kind: config.KindSQLite, Priority: 100,
			Path:                filepath.Join(t.TempDir(), "t.db"),
			PreferredOperations: []string{"write", "read", "search"},
		},
		{
			Name: "scratch", Kind: config.KindMemory, Priority: 50,
			PreferredOperations: []string{"sweep"},
		},
	}}

	r, closer, err := config.BuildRouter(ctx, cfg)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	defer func() {
		if err := closer(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	tiers := r.Tiers()
	if len(tiers) != 2 {
		t.Fatalf("expected 2 registered tiers, got %d", len(tiers))
	}
	if tiers[0].Name != "hot" {
		t.Errorf("priority order wrong: %q first", tiers[0].Name)
	}
}

func TestBuildRouter_UnknownKindFails(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Tiers: []config.TierSettings{
		{Name: "weird", Kind: "tape"},
	}}
	if _, _, err := config.BuildRouter(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
