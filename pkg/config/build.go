package config

import (
	"context"
	"fmt"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

// BuildRouter connects every declared tier and registers it with a new
// router. The returned closer disconnects all tiers; call it at process
// exit. On any connection failure the tiers connected so far are torn
// down before the error is returned.
func BuildRouter(ctx context.Context, cfg *Config) (*router.Router, func(context.Context) error, error) {
	r := router.New()
	var connected []storage.Adapter

	closeAll := func(ctx context.Context) error {
		var firstErr error
		for _, a := range connected {
			if err := a.Disconnect(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, ts := range cfg.Tiers {
		adapter, err := newAdapter(ts)
		if err != nil {
			_ = closeAll(ctx)
			return nil, nil, err
		}
		if err := adapter.Connect(ctx); err != nil {
			_ = closeAll(ctx)
			return nil, nil, fmt.Errorf("connect tier %q: %w", ts.Name, err)
		}
		connected = append(connected, adapter)

		if err := adapter.InitializeSchema(ctx); err != nil {
			_ = closeAll(ctx)
			return nil, nil, fmt.Errorf("initialize tier %q: %w", ts.Name, err)
		}

		maxAge, _ := ts.maxAge()
		busy, _ := ts.busyTimeout()

		r.RegisterTier(router.Tier{
			Name:     ts.Name,
			Pool:     storage.NewPool(ts.Name, adapter, poolSize(ts), busy),
			Priority: ts.Priority,
			Config: protocol.TierConfig{
				MaxAge:              maxAge,
				PreferredOperations: ts.PreferredOperations,
				SupportedFeatures:   ts.Features,
				RoutingRules:        ts.RoutingRules,
			},
		})
	}

	return r, closeAll, nil
}

func newAdapter(ts TierSettings) (storage.Adapter, error) {
	switch ts.Kind {
	case KindSQLite:
		return storage.NewSQLiteAdapter(ts.Path), nil
	case KindRedis:
		return storage.NewRedisAdapter(storage.RedisOptions{URL: ts.URL}), nil
	case KindMemory:
		return storage.NewCacheAdapter(), nil
	case KindObject:
		return storage.NewObjectAdapter(storage.ObjectOptions{
			Bucket:          ts.Bucket,
			Prefix:          ts.Prefix,
			CredentialsFile: ts.CredentialsFile,
		}), nil
	default:
		return nil, fmt.Errorf("tier %q: unknown kind %q", ts.Name, ts.Kind)
	}
}

// poolSize applies the object-store exception: its read-modify-write
// updates are only safe single-handle.
func poolSize(ts TierSettings) int {
	if ts.PoolSize > 0 {
		return ts.PoolSize
	}
	if ts.Kind == KindObject {
		return 1
	}
	return storage.DefaultPoolSize
}
