package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stackmem/pkg/protocol"
)

// Redis key layout. Frames are JSON values; per-run and global indexes
// are sorted sets scored by creation time so retention sweeps are a
// range query.
const (
	redisFramePrefix   = "sm:frame:"
	redisEventsPrefix  = "sm:events:"
	redisAnchorsPrefix = "sm:anchors:"
	redisGlobalIndex   = "sm:frames"
	redisRunPrefix     = "sm:run:"
)

// RedisOptions configures the networked tier connection.
type RedisOptions struct {
	// URL is the connection string (e.g. "redis://localhost:6379/0").
	URL string
	// DialTimeout, ReadTimeout and WriteTimeout bound individual
	// operations; zero keeps go-redis defaults.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisAdapter is the networked backend. Search fetches the run's frame
// set and ranks client-side with the shared keyword scorer; Redis itself
// has no text index to lean on.
type RedisAdapter struct {
	opts   RedisOptions
	client *redis.Client
}

var _ Adapter = (*RedisAdapter)(nil)

// NewRedisAdapter creates an adapter for the Redis at opts.URL.
// Connect must be called before any other operation.
func NewRedisAdapter(opts RedisOptions) *RedisAdapter {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	return &RedisAdapter{opts: opts}
}

// Connect parses the URL, dials, and pings. No-op when already connected.
func (a *RedisAdapter) Connect(ctx context.Context) error {
	if a.client != nil {
		return nil
	}

	ropts, err := redis.ParseURL(a.opts.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	if a.opts.DialTimeout > 0 {
		ropts.DialTimeout = a.opts.DialTimeout
	}
	if a.opts.ReadTimeout > 0 {
		ropts.ReadTimeout = a.opts.ReadTimeout
	}
	if a.opts.WriteTimeout > 0 {
		ropts.WriteTimeout = a.opts.WriteTimeout
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis %s: %w", a.opts.URL, err)
	}

	a.client = client
	return nil
}

// Disconnect closes the connection. Idempotent.
func (a *RedisAdapter) Disconnect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	if err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// InitializeSchema is a no-op: Redis keyspaces need no setup.
func (a *RedisAdapter) InitializeSchema(ctx context.Context) error { return nil }

func runKey(projectID, runID string) string {
	return redisRunPrefix + projectID + ":" + runID
}

// CreateFrame stores the frame JSON and indexes it in the run and global
// sorted sets.
func (a *RedisAdapter) CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("marshal frame %s: %w", frame.FrameID, err)
	}

	score := float64(frame.CreatedAt.UnixNano())
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, redisFramePrefix+frame.FrameID, data, 0)
	pipe.ZAdd(ctx, redisGlobalIndex, redis.Z{Score: score, Member: frame.FrameID})
	pipe.ZAdd(ctx, runKey(frame.ProjectID, frame.RunID), redis.Z{Score: score, Member: frame.FrameID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store frame %s: %w", frame.FrameID, err)
	}
	return frame.FrameID, nil
}

// GetFrame returns the frame, or (nil, nil) when the id is unknown.
func (a *RedisAdapter) GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error) {
	data, err := a.client.Get(ctx, redisFramePrefix+frameID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frame %s: %w", frameID, err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal frame %s: %w", frameID, err)
	}
	return &frame, nil
}

// UpdateFrame reads, applies the partial update, and writes back.
// An unknown id is a silent no-op. The pool serializes writers, so the
// read-modify-write cycle does not race within one process.
func (a *RedisAdapter) UpdateFrame(ctx context.Context, frameID string, update FrameUpdate) error {
	frame, err := a.GetFrame(ctx, frameID)
	if err != nil {
		return fmt.Errorf("update frame %s: %w", frameID, err)
	}
	if frame == nil {
		return nil
	}

	applyUpdate(frame, update)

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame %s: %w", frameID, err)
	}
	if err := a.client.Set(ctx, redisFramePrefix+frameID, data, 0).Err(); err != nil {
		return fmt.Errorf("store frame %s: %w", frameID, err)
	}
	return nil
}

// ListFrames returns frames in a scope ordered by ascending creation
// time (the sorted-set order).
func (a *RedisAdapter) ListFrames(ctx context.Context, query FrameQuery) ([]protocol.Frame, error) {
	indexKey := redisGlobalIndex
	if query.ProjectID != "" || query.RunID != "" {
		indexKey = runKey(query.ProjectID, query.RunID)
	}

	ids, err := a.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list frame ids: %w", err)
	}

	frames, err := a.fetchFrames(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []protocol.Frame
	for _, f := range frames {
		if query.State != "" && f.State != query.State {
			continue
		}
		out = append(out, f)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// AppendEvent pushes the event JSON onto the frame's event list.
func (a *RedisAdapter) AppendEvent(ctx context.Context, event *protocol.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	if err := a.client.RPush(ctx, redisEventsPrefix+event.FrameID, data).Err(); err != nil {
		return fmt.Errorf("push event %s: %w", event.EventID, err)
	}
	return nil
}

// ListEvents returns the frame's events ordered by ascending timestamp.
func (a *RedisAdapter) ListEvents(ctx context.Context, frameID string, query EventQuery) ([]protocol.Event, error) {
	raw, err := a.client.LRange(ctx, redisEventsPrefix+frameID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", frameID, err)
	}

	var events []protocol.Event
	for _, item := range raw {
		var e protocol.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
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

// AddAnchor pushes the anchor JSON onto the frame's anchor list.
func (a *RedisAdapter) AddAnchor(ctx context.Context, anchor *protocol.Anchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("marshal anchor %s: %w", anchor.ID, err)
	}
	if err := a.client.RPush(ctx, redisAnchorsPrefix+anchor.FrameID, data).Err(); err != nil {
		return fmt.Errorf("push anchor %s: %w", anchor.ID, err)
	}
	return nil
}

// ListAnchors returns the frame's anchors ordered by descending
// priority, then insertion order.
func (a *RedisAdapter) ListAnchors(ctx context.Context, frameID string) ([]protocol.Anchor, error) {
	raw, err := a.client.LRange(ctx, redisAnchorsPrefix+frameID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list anchors for %s: %w", frameID, err)
	}

	var anchors []protocol.Anchor
	for _, item := range raw {
		var an protocol.Anchor
		if err := json.Unmarshal([]byte(item), &an); err != nil {
			return nil, fmt.Errorf("unmarshal anchor: %w", err)
		}
		anchors = append(anchors, an)
	}

	sort.SliceStable(anchors, func(i, j int) bool {
		return anchors[i].Priority > anchors[j].Priority
	})
	return anchors, nil
}

// Search fetches the scoped frames and ranks them client-side by keyword
// strength and recency. Empty queries return zero rows.
func (a *RedisAdapter) Search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, nil
	}

	frames, err := a.ListFrames(ctx, FrameQuery{ProjectID: params.ProjectID, RunID: params.RunID})
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}

	hits := rankFrames(frames, params, time.Now())
	for i := range hits {
		anchors, err := a.ListAnchors(ctx, hits[i].Frame.FrameID)
		if err != nil {
			return nil, err
		}
		hits[i].MaxAnchorPriority = maxAnchorPriority(anchors)
	}
	return hits, nil
}

// Sweep removes closed frames created before the cutoff from the global
// index and deletes their keys.
func (a *RedisAdapter) Sweep(ctx context.Context, before time.Time) (int, error) {
	max := strconv.FormatInt(before.UnixNano(), 10)
	ids, err := a.client.ZRangeByScore(ctx, redisGlobalIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep range: %w", err)
	}

	swept := 0
	for _, id := range ids {
		frame, err := a.GetFrame(ctx, id)
		if err != nil {
			return swept, err
		}
		if frame != nil && frame.State == protocol.StateActive {
			continue
		}

		pipe := a.client.TxPipeline()
		pipe.Del(ctx, redisFramePrefix+id, redisEventsPrefix+id, redisAnchorsPrefix+id)
		pipe.ZRem(ctx, redisGlobalIndex, id)
		if frame != nil {
			pipe.ZRem(ctx, runKey(frame.ProjectID, frame.RunID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return swept, fmt.Errorf("sweep frame %s: %w", id, err)
		}
		swept++
	}
	return swept, nil
}

// fetchFrames MGETs frame JSON for the ids, skipping ids whose keys have
// expired or been swept.
func (a *RedisAdapter) fetchFrames(ctx context.Context, ids []string) ([]protocol.Frame, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisFramePrefix + id
	}

	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget frames: %w", err)
	}

	frames := make([]protocol.Frame, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var f protocol.Frame
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return nil, fmt.Errorf("unmarshal frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// applyUpdate copies the non-nil fields of a FrameUpdate onto a frame.
// Shared by the backends that update whole documents.
func applyUpdate(frame *protocol.Frame, update FrameUpdate) {
	if update.State != nil {
		frame.State = *update.State
	}
	if update.DigestText != nil {
		frame.DigestText = *update.DigestText
	}
	if update.DigestJSON != nil {
		frame.DigestJSON = *update.DigestJSON
	}
	if update.Outputs != nil {
		frame.Outputs = update.Outputs
	}
	if update.ClosedAt != nil {
		t := *update.ClosedAt
		frame.ClosedAt = &t
	}
	if update.Error != nil {
		frame.Error = update.Error
	}
}
