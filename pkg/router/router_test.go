package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

func newPool(t *testing.T) *storage.Pool {
	t.Helper()
	ctx := context.Background()

	a := storage.NewCacheAdapter()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(ctx) })
	return storage.NewPool("test", a, 2, time.Second)
}

func TestRouter_SelectsMatchingTier(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.RegisterTier(router.Tier{
		Name: "hot", Pool: newPool(t), Priority: 100,
		Config: protocol.TierConfig{PreferredOperations: []string{"write", "read"}},
	})
	r.RegisterTier(router.Tier{
		Name: "search", Pool: newPool(t), Priority: 50,
		Config: protocol.TierConfig{PreferredOperations: []string{"search"}, SupportedFeatures: []string{"fts"}},
	})

	var selected string
	err := r.Route(context.Background(), "q1", router.RouteContext{QueryType: "search"},
		func(_ context.Context, tier router.Tier) error {
			selected = tier.Name
			return nil
		})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if selected != "search" {
		t.Errorf("expected 'search' tier, got %q", selected)
	}
}

func TestRouter_FallsBackToHighestPriority(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.RegisterTier(router.Tier{
		Name: "low", Pool: newPool(t), Priority: 10,
		Config: protocol.TierConfig{PreferredOperations: []string{"read"}},
	})
	r.RegisterTier(router.Tier{
		Name: "high", Pool: newPool(t), Priority: 90,
		Config: protocol.TierConfig{PreferredOperations: []string{"read"}},
	})

	var selected string
	err := r.Route(context.Background(), "q1", router.RouteContext{QueryType: "sweep"},
		func(_ context.Context, tier router.Tier) error {
			selected = tier.Name
			return nil
		})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if selected != "high" {
		t.Errorf("no tier prefers 'sweep'; expected fallback to 'high', got %q", selected)
	}
}

func TestRouter_EqualPriorityTieBreaksByName(t *testing.T) {
	t.Parallel()

	r := router.New()
	for _, name := range []string{"zeta", "alpha"} {
		r.RegisterTier(router.Tier{
			Name: name, Pool: newPool(t), Priority: 50,
			Config: protocol.TierConfig{PreferredOperations: []string{"read"}},
		})
	}

	var selected string
	_ = r.Route(context.Background(), "q1", router.RouteContext{QueryType: "read"},
		func(_ context.Context, tier router.Tier) error {
			selected = tier.Name
			return nil
		})
	if selected != "alpha" {
		t.Errorf("equal priority must tie-break by name, got %q", selected)
	}
}

func TestRouter_RegisterTier_OverwritesByName(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.RegisterTier(router.Tier{Name: "hot", Pool: newPool(t), Priority: 10})
	r.RegisterTier(router.Tier{Name: "hot", Pool: newPool(t), Priority: 90})

	tiers := r.Tiers()
	if len(tiers) != 1 {
		t.Fatalf("re-registering must overwrite, got %d tiers", len(tiers))
	}
	if tiers[0].Priority != 90 {
		t.Errorf("expected overwritten priority 90, got %d", tiers[0].Priority)
	}
}

func TestRouter_MetricsCountEveryCallIncludingFailures(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.RegisterTier(router.Tier{Name: "hot", Pool: newPool(t), Priority: 100})

	boom := errors.New("backend down")
	for i := 0; i < 3; i++ {
		err := r.Route(context.Background(), "q", router.RouteContext{QueryType: "write"},
			func(context.Context, router.Tier) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected operation error unchanged, got %v", err)
		}
	}
	_ = r.Route(context.Background(), "q", router.RouteContext{QueryType: "read"},
		func(context.Context, router.Tier) error { return nil })

	m := r.Metrics()
	if m.TotalQueries != 4 {
		t.Errorf("expected 4 total queries, got %d", m.TotalQueries)
	}
	if m.QueriesByType["write"] != 3 {
		t.Errorf("expected 3 write queries, got %d", m.QueriesByType["write"])
	}
	if m.QueriesByType["read"] != 1 {
		t.Errorf("expected 1 read query, got %d", m.QueriesByType["read"])
	}
}

func TestRouter_EmptyRegistry(t *testing.T) {
	t.Parallel()

	r := router.New()
	err := r.Route(context.Background(), "q", router.RouteContext{QueryType: "read"},
		func(context.Context, router.Tier) error { return nil })
	if !errors.Is(err, router.ErrNoTiers) {
		t.Fatalf("expected ErrNoTiers, got %v", err)
	}

	// The attempt is still recorded.
	if r.Metrics().TotalQueries != 1 {
		t.Error("failed routes must still count in metrics")
	}
}

func TestRouter_ConcurrentMetrics(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.RegisterTier(router.Tier{Name: "hot", Pool: newPool(t), Priority: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Route(context.Background(), "q", router.RouteContext{QueryType: "write"},
				func(context.Context, router.Tier) error { return nil })
		}()
	}
	wg.Wait()

	m := r.Metrics()
	if m.TotalQueries != 50 || m.QueriesByType["write"] != 50 {
		t.Errorf("expected 50/50 under concurrency, got %d/%d",
			m.TotalQueries, m.QueriesByType["write"])
	}
}
