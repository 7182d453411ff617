// Package router dispatches storage operations to the registered tier
// best matching the request, so callers never know which physical
// backend answered. Hot short-retention data and cold archives can live
// on different backends transparently.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"stackmem/pkg/protocol"
	"stackmem/pkg/storage"
)

// ErrNoTiers is returned by Route when the registry is empty.
var ErrNoTiers = errors.New("router: no tiers registered")

// Tier is one registered storage backend with its retention and routing
// configuration.
type Tier struct {
	Name     string
	Pool     *storage.Pool
	Priority int
	Config   protocol.TierConfig
}

// RouteContext describes one request for tier selection.
type RouteContext struct {
	// QueryType names the operation class: "write", "read", "search",
	// "sweep".
	QueryType string
	// Feature, when non-empty, restricts selection to tiers declaring
	// the capability (e.g. "fts", "archive").
	Feature string
}

// Metrics is a point-in-time snapshot of router counters.
type Metrics struct {
	TotalQueries  int64
	QueriesByType map[string]int64
}

// Router holds a priority-ordered registry of named tiers. Tier
// selection is a pure function of the registered configs; no lock is
// held while a routed operation runs.
type Router struct {
	mu    sync.RWMutex
	tiers []Tier

	total  atomic.Int64
	typeMu sync.Mutex
	byType map[string]int64
}

// New creates an empty router.
func New() *Router {
	return &Router{byType: make(map[string]int64)}
}

// RegisterTier inserts the tier into the registry, overwriting any tier
// with the same name. The registry stays sorted by descending priority;
// equal priorities tie-break by ascending name so selection is
// deterministic.
func (r *Router) RegisterTier(tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := false
	for i := range r.tiers {
		if r.tiers[i].Name == tier.Name {
			r.tiers[i] = tier
			replaced = true
			break
		}
	}
	if !replaced {
		r.tiers = append(r.tiers, tier)
	}

	sort.SliceStable(r.tiers, func(i, j int) bool {
		if r.tiers[i].Priority != r.tiers[j].Priority {
			return r.tiers[i].Priority > r.tiers[j].Priority
		}
		return r.tiers[i].Name < r.tiers[j].Name
	})
}

// Tier returns the named tier.
func (r *Router) Tier(name string) (Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Tiers returns the registry in priority order.
func (r *Router) Tiers() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tier, len(r.tiers))
	copy(out, r.tiers)
	return out
}

// selectTier picks the highest-priority tier matching the context,
// falling back to the overall highest-priority tier when none match.
func (r *Router) selectTier(rc RouteContext) (Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tiers) == 0 {
		return Tier{}, ErrNoTiers
	}

	for _, t := range r.tiers {
		if tierMatches(t, rc) {
			return t, nil
		}
	}
	return r.tiers[0], nil
}

func tierMatches(t Tier, rc RouteContext) bool {
	if rc.Feature != "" && !t.Config.SupportsFeature(rc.Feature) {
		return false
	}
	if name, ok := t.Config.RoutingRules[rc.QueryType]; ok && name == t.Name {
		return true
	}
	if t.Config.PrefersOperation(rc.QueryType) {
		return true
	}
	// A feature-only request matches any tier that has the feature.
	return rc.Feature != "" && rc.QueryType == ""
}

// Route selects a tier for the context, records the call in metrics, and
// invokes op with the selected tier. The operation's error is propagated
// unchanged; the metrics are recorded regardless of the outcome, so
// failures stay observable.
func (r *Router) Route(ctx context.Context, queryID string, rc RouteContext, op func(context.Context, Tier) error) error {
	r.recordQuery(rc.QueryType)

	tier, err := r.selectTier(rc)
	if err != nil {
		return err
	}
	return op(ctx, tier)
}

func (r *Router) recordQuery(queryType string) {
	r.total.Add(1)
	r.typeMu.Lock()
	r.byType[queryType]++
	r.typeMu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (r *Router) Metrics() Metrics {
	r.typeMu.Lock()
	defer r.typeMu.Unlock()

	byType := make(map[string]int64, len(r.byType))
	for k, v := range r.byType {
		byType[k] = v
	}
	return Metrics{
		TotalQueries:  r.total.Load(),
		QueriesByType: byType,
	}
}
