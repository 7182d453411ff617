package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"stackmem/pkg/config"
	"stackmem/pkg/protocol"
	"stackmem/pkg/retrieve"
	"stackmem/pkg/router"
	"stackmem/pkg/stack"
)

// app is the wired-up engine every subcommand works against: resolved
// paths, loaded config, connected tiers, and the store/retriever pair
// scoped to this invocation's (project, run).
type app struct {
	paths     *Paths
	cfg       *config.Config
	router    *router.Router
	store     *stack.Store
	retriever *retrieve.Retriever
	scope     protocol.Scope

	closeFn func(context.Context) error
}

// openApp resolves paths, loads (or defaults) the config, connects all
// tiers, and resumes the hot stack from persisted state. Callers must
// Close the returned app.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}

	cfg, err := loadConfig(paths)
	if err != nil {
		return nil, err
	}

	scope, err := resolveScope(cmd, cfg)
	if err != nil {
		return nil, err
	}

	r, closeFn, err := config.BuildRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := stack.NewStore(r, scope)
	if err := store.Resume(ctx); err != nil {
		_ = closeFn(ctx)
		return nil, err
	}

	return &app{
		paths:     paths,
		cfg:       cfg,
		router:    r,
		store:     store,
		retriever: retrieve.New(r, scope),
		scope:     scope,
		closeFn:   closeFn,
	}, nil
}

// Close disconnects all tiers.
func (a *app) Close(ctx context.Context) error {
	if a.closeFn == nil {
		return nil
	}
	return a.closeFn(ctx)
}

// loadConfig reads the config file, falling back to the single-SQLite
// default when none exists.
func loadConfig(paths *Paths) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(paths.DBPath), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveScope decides the (project, run) pair for this invocation:
// flags first, then environment, then config, then the working
// directory's name.
func resolveScope(cmd *cobra.Command, cfg *config.Config) (protocol.Scope, error) {
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		project = os.Getenv("STACKMEM_PROJECT")
	}
	if project == "" {
		project = cfg.ProjectID
	}
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return protocol.Scope{}, fmt.Errorf("resolve project scope: %w", err)
		}
		project = filepath.Base(wd)
	}

	run, _ := cmd.Flags().GetString("run")
	if run == "" {
		run = os.Getenv("STACKMEM_RUN")
	}
	if run == "" {
		run = "default"
	}

	return protocol.Scope{ProjectID: project, RunID: run}, nil
}
