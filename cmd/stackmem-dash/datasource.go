package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stackmem/pkg/config"
	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

// snapshot is one refresh worth of dashboard data.
type snapshot struct {
	Scope   protocol.Scope
	Open    []protocol.Frame
	Closed  []protocol.Frame
	Metrics router.Metrics
}

// dataSource reads dashboard data through the same config-driven router
// the CLI uses.
type dataSource struct {
	router  *router.Router
	scope   protocol.Scope
	home    string
	closeFn func(context.Context) error
}

// recentClosedCap bounds the closed-frame pane.
const recentClosedCap = 30

// newDataSource wires the tiers declared in the user's config. Scope
// resolution mirrors the CLI: env vars, then config, then the working
// directory's name.
func newDataSource(ctx context.Context) (*dataSource, error) {
	home := os.Getenv("STACKMEM_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, protocol.StackmemDir)
	}

	configPath := os.Getenv("STACKMEM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(home, "config.toml")
	}
	dbPath := os.Getenv("STACKMEM_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(home, "frames.db")
	}

	cfg, err := config.Load(configPath)
	if os.IsNotExist(err) {
		cfg = config.Default(dbPath)
	} else if err != nil {
		return nil, err
	}

	project := os.Getenv("STACKMEM_PROJECT")
	if project == "" {
		project = cfg.ProjectID
	}
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project scope: %w", err)
		}
		project = filepath.Base(wd)
	}
	run := os.Getenv("STACKMEM_RUN")
	if run == "" {
		run = "default"
	}

	r, closeFn, err := config.BuildRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &dataSource{
		router:  r,
		scope:   protocol.Scope{ProjectID: project, RunID: run},
		home:    home,
		closeFn: closeFn,
	}, nil
}

// fetch loads a fresh snapshot: all open frames plus the most recently
// closed ones.
func (d *dataSource) fetch(ctx context.Context) (*snapshot, error) {
	var frames []protocol.Frame
	err := d.router.Route(ctx, "dash", router.RouteContext{QueryType: "read"},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				frames, err = a.ListFrames(ctx, storage.FrameQuery{
					ProjectID: d.scope.ProjectID,
					RunID:     d.scope.RunID,
				})
				return err
			})
		})
	if err != nil {
		return nil, err
	}

	snap := &snapshot{Scope: d.scope, Metrics: d.router.Metrics()}
	for _, f := range frames {
		if f.State.Closed() {
			snap.Closed = append(snap.Closed, f)
		} else {
			snap.Open = append(snap.Open, f)
		}
	}

	// Open frames in stack order, closed frames newest first.
	sort.SliceStable(snap.Open, func(i, j int) bool {
		return snap.Open[i].CreatedAt.Before(snap.Open[j].CreatedAt)
	})
	sort.SliceStable(snap.Closed, func(i, j int) bool {
		ci, cj := snap.Closed[i].ClosedAt, snap.Closed[j].ClosedAt
		if ci == nil || cj == nil {
			return cj == nil
		}
		return ci.After(*cj)
	})
	if len(snap.Closed) > recentClosedCap {
		snap.Closed = snap.Closed[:recentClosedCap]
	}
	return snap, nil
}

// close disconnects all tiers.
func (d *dataSource) close(ctx context.Context) error {
	if d.closeFn == nil {
		return nil
	}
	return d.closeFn(ctx)
}
