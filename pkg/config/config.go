// Package config loads the TOML configuration that declares which
// storage tiers exist and how queries route between them, and wires the
// declared tiers into a live router.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Tier kinds understood by BuildRouter.
const (
	KindSQLite = "sqlite"
	KindRedis  = "redis"
	KindMemory = "memory"
	KindObject = "object"
)

// TierSettings declares one storage tier.
type TierSettings struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Priority int    `toml:"priority"`

	// MaxAge bounds how old this tier's data may grow before a sweep
	// reclaims it. Go duration syntax, so "720h" rather than "30d".
	// Empty means keep forever.
	MaxAge string `toml:"max_age"`

	PreferredOperations []string          `toml:"preferred_operations"`
	Features            []string          `toml:"features"`
	RoutingRules        map[string]string `toml:"routing_rules"`

	PoolSize    int    `toml:"pool_size"`
	BusyTimeout string `toml:"busy_timeout"`

	// Backend settings; which ones apply depends on Kind.
	Path            string `toml:"path"`             // sqlite
	URL             string `toml:"url"`              // redis
	Bucket          string `toml:"bucket"`           // object
	Prefix          string `toml:"prefix"`           // object
	CredentialsFile string `toml:"credentials_file"` // object
}

// Config is the full on-disk configuration.
type Config struct {
	// ProjectID defaults the scope when the CLI is not told otherwise.
	ProjectID string `toml:"project_id"`

	Tiers []TierSettings `toml:"tiers"`
}

// Default returns the zero-configuration setup: one SQLite tier at
// dbPath handling everything.
func Default(dbPath string) *Config {
	return &Config{
		Tiers: []TierSettings{{
			Name:                "hot",
			Kind:                KindSQLite,
			Priority:            100,
			PreferredOperations: []string{"write", "read", "search", "sweep"},
			Features:            []string{"fts"},
			Path:                dbPath,
		}},
	}
}

// Load reads a TOML config file. A missing file is not an error: the
// caller falls back to Default. A present but invalid file is.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the declared tiers for the mistakes a hand-edited
// file is likely to contain.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("no tiers declared")
	}
	seen := make(map[string]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tier %q declared twice", t.Name)
		}
		seen[t.Name] = true

		switch t.Kind {
		case KindSQLite:
			if t.Path == "" {
				return fmt.Errorf("tier %q: sqlite tier needs path", t.Name)
			}
		case KindRedis:
			if t.URL == "" {
				return fmt.Errorf("tier %q: redis tier needs url", t.Name)
			}
		case KindObject:
			if t.Bucket == "" {
				return fmt.Errorf("tier %q: object tier needs bucket", t.Name)
			}
		case KindMemory:
		default:
			return fmt.Errorf("tier %q: unknown kind %q", t.Name, t.Kind)
		}

		if _, err := t.maxAge(); err != nil {
			return fmt.Errorf("tier %q: %w", t.Name, err)
		}
		if _, err := t.busyTimeout(); err != nil {
			return fmt.Errorf("tier %q: %w", t.Name, err)
		}
	}
	return nil
}

func (t TierSettings) maxAge() (time.Duration, error) {
	if t.MaxAge == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("bad max_age %q: %w", t.MaxAge, err)
	}
	return d, nil
}

func (t TierSettings) busyTimeout() (time.Duration, error) {
	if t.BusyTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.BusyTimeout)
	if err != nil {
		return 0, fmt.Errorf("bad busy_timeout %q: %w", t.BusyTimeout, err)
	}
	return d, nil
}
