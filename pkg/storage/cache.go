package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"stackmem/pkg/protocol"
)

// CacheAdapter is the in-memory tier. Frame rows live in a ristretto
// cache (admission/eviction under a cost budget); events, anchors, and
// the scope index live in guarded maps so listings stay exact even when
// ristretto evicts a frame body. An evicted frame reads as deleted,
// which is acceptable for a cache tier: the router keeps durable copies
// on other tiers.
type CacheAdapter struct {
	mu      sync.RWMutex
	cache   *ristretto.Cache
	index   map[string][]string // scope key -> frame ids in creation order
	events  map[string][]protocol.Event
	anchors map[string][]protocol.Anchor
}

var _ Adapter = (*CacheAdapter)(nil)

// NewCacheAdapter creates an unconnected cache adapter.
func NewCacheAdapter() *CacheAdapter {
	return &CacheAdapter{}
}

// Connect builds the ristretto cache. No-op when already connected.
func (a *CacheAdapter) Connect(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,     // ~100k frames tracked for admission
		MaxCost:     64 << 20, // 64 MiB of frame bodies
		BufferItems: 64,
	})
	if err != nil {
		return fmt.Errorf("create ristretto cache: %w", err)
	}

	a.cache = cache
	a.index = make(map[string][]string)
	a.events = make(map[string][]protocol.Event)
	a.anchors = make(map[string][]protocol.Anchor)
	return nil
}

// Disconnect drops the cache and side tables. Idempotent.
func (a *CacheAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		return nil
	}
	a.cache.Close()
	a.cache = nil
	a.index = nil
	a.events = nil
	a.anchors = nil
	return nil
}

// InitializeSchema is a no-op for the in-memory tier.
func (a *CacheAdapter) InitializeSchema(ctx context.Context) error { return nil }

func scopeKey(projectID, runID string) string {
	return projectID + "/" + runID
}

func frameCost(frame *protocol.Frame) int64 {
	return int64(len(frame.Name)+len(frame.DigestText)+len(frame.DigestJSON)) + 256
}

// CreateFrame stores a copy of the frame and indexes it under its scope.
func (a *CacheAdapter) CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored := *frame
	a.cache.Set(frame.FrameID, &stored, frameCost(frame))
	a.cache.Wait()

	key := scopeKey(frame.ProjectID, frame.RunID)
	a.index[key] = append(a.index[key], frame.FrameID)
	return frame.FrameID, nil
}

// GetFrame returns a copy of the frame, or (nil, nil) when unknown or
// evicted.
func (a *CacheAdapter) GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.getLocked(frameID), nil
}

func (a *CacheAdapter) getLocked(frameID string) *protocol.Frame {
	v, ok := a.cache.Get(frameID)
	if !ok {
		return nil
	}
	frame, ok := v.(*protocol.Frame)
	if !ok {
		return nil
	}
	copied := *frame
	return &copied
}

// UpdateFrame applies a partial update; unknown ids are a silent no-op.
func (a *CacheAdapter) UpdateFrame(ctx context.Context, frameID string, update FrameUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := a.getLocked(frameID)
	if frame == nil {
		return nil
	}
	applyUpdate(frame, update)
	a.cache.Set(frameID, frame, frameCost(frame))
	a.cache.Wait()
	return nil
}

// ListFrames returns scoped frames in creation order, skipping evicted
// entries.
func (a *CacheAdapter) ListFrames(ctx context.Context, query FrameQuery) ([]protocol.Frame, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []string
	if query.ProjectID != "" || query.RunID != "" {
		ids = a.index[scopeKey(query.ProjectID, query.RunID)]
	} else {
		for _, scoped := range a.index {
			ids = append(ids, scoped...)
		}
	}

	var frames []protocol.Frame
	for _, id := range ids {
		frame := a.getLocked(id)
		if frame == nil {
			continue
		}
		if query.State != "" && frame.State != query.State {
			continue
		}
		frames = append(frames, *frame)
		if query.Limit > 0 && len(frames) >= query.Limit {
			break
		}
	}

	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].CreatedAt.Before(frames[j].CreatedAt)
	})
	return frames, nil
}

// AppendEvent records the event in the side table.
func (a *CacheAdapter) AppendEvent(ctx context.Context, event *protocol.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[event.FrameID] = append(a.events[event.FrameID], *event)
	return nil
}

// ListEvents returns the frame's events ordered by ascending timestamp.
func (a *CacheAdapter) ListEvents(ctx context.Context, frameID string, query EventQuery) ([]protocol.Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var events []protocol.Event
	for _, e := range a.events[frameID] {
		if query.Type != "" && e.Type != query.Type {
			continue
		}
		if query.After != nil && e.Timestamp.Before(*query.After) {
			continue
		}
		if query.Before != nil && e.Timestamp.After(*query.Before) {
			continue
		}
		events = append(events, e)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if query.Limit > 0 && len(events) > query.Limit {
		events = events[len(events)-query.Limit:]
	}
	return events, nil
}

// AddAnchor records the anchor in the side table.
func (a *CacheAdapter) AddAnchor(ctx context.Context, anchor *protocol.Anchor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anchors[anchor.FrameID] = append(a.anchors[anchor.FrameID], *anchor)
	return nil
}

// ListAnchors returns the frame's anchors ordered by descending priority.
func (a *CacheAdapter) ListAnchors(ctx context.Context, frameID string) ([]protocol.Anchor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	anchors := make([]protocol.Anchor, len(a.anchors[frameID]))
	copy(anchors, a.anchors[frameID])

	sort.SliceStable(anchors, func(i, j int) bool {
		return anchors[i].Priority > anchors[j].Priority
	})
	return anchors, nil
}

// Search ranks the scoped frames with the shared keyword scorer.
func (a *CacheAdapter) Search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, nil
	}

	frames, err := a.ListFrames(ctx, FrameQuery{ProjectID: params.ProjectID, RunID: params.RunID})
	if err != nil {
		return nil, err
	}

	hits := rankFrames(frames, params, time.Now())

	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range hits {
		hits[i].MaxAnchorPriority = maxAnchorPriority(a.anchors[hits[i].Frame.FrameID])
	}
	return hits, nil
}

// Sweep drops closed frames created before the cutoff together with
// their events and anchors.
func (a *CacheAdapter) Sweep(ctx context.Context, before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	swept := 0
	for key, ids := range a.index {
		kept := ids[:0]
		for _, id := range ids {
			frame := a.getLocked(id)
			if frame == nil {
				continue // evicted; drop from the index
			}
			if frame.State != protocol.StateActive && frame.CreatedAt.Before(before) {
				a.cache.Del(id)
				delete(a.events, id)
				delete(a.anchors, id)
				swept++
				continue
			}
			kept = append(kept, id)
		}
		a.index[key] = kept
	}
	return swept, nil
}
