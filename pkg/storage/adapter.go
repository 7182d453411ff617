// Package storage provides the uniform CRUD + text-search contract over
// one physical backend, plus the connection pool that bounds concurrent
// access to it. Four backends are supported: embedded SQLite, networked
// Redis, an in-process ristretto cache, and a GCS object store.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"stackmem/pkg/protocol"
)

// SearchParams configures a text search against one backend.
type SearchParams struct {
	// Query is matched case-insensitively against frame name and digest
	// text. An empty or whitespace-only query returns zero rows; it is
	// never treated as "match all".
	Query string
	// SearchType selects the match strategy. Only "keyword" is currently
	// defined; unknown values fall back to keyword matching.
	SearchType string
	// ProjectID/RunID restrict the search scope when non-empty.
	ProjectID string
	RunID     string
	// Limit caps the number of rows returned; it is enforced by the
	// backend, not by the caller.
	Limit int
}

// SearchHit is one row returned by Adapter.Search, ordered by descending
// Score (keyword strength x recency).
type SearchHit struct {
	Frame protocol.Frame
	// Score ranks the hit by keyword frequency and recency. Backends
	// compute it differently (BM25 in SQLite, term counting elsewhere);
	// only the ordering is contractual.
	Score float64
	// MaxAnchorPriority is the highest anchor priority on the owning
	// frame, 0 when the frame has no anchors.
	MaxAnchorPriority int
	// Excerpt is a short window of the digest around the first match.
	Excerpt string
}

// FrameUpdate is a partial update applied to an existing frame row.
// Nil fields are left unchanged.
type FrameUpdate struct {
	State      *protocol.FrameState
	DigestText *string
	DigestJSON *string
	Outputs    json.RawMessage
	ClosedAt   *time.Time
	Error      *protocol.FrameError
}

// EventQuery filters a per-frame event listing.
type EventQuery struct {
	// Type filters to a single event type when non-empty.
	Type string
	// After/Before bound the timestamp range (inclusive).
	After  *time.Time
	Before *time.Time
	// Limit returns only the most recent N events. Results are always
	// ordered by ascending timestamp regardless of Limit.
	Limit int
}

// FrameQuery filters a frame listing.
type FrameQuery struct {
	ProjectID string
	RunID     string
	// State filters to a single lifecycle state when non-empty.
	State protocol.FrameState
	Limit int
}

// Adapter is the capability interface every storage backend implements.
// All operations take a context and may suspend on backend I/O.
type Adapter interface {
	// Connect establishes the backend handle. Calling Connect on an
	// already-connected adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the backend handle. Idempotent.
	Disconnect(ctx context.Context) error

	// InitializeSchema creates tables/indexes/keyspaces as needed.
	// Idempotent; safe to call on every start.
	InitializeSchema(ctx context.Context) error

	// CreateFrame persists a new frame row and returns its id.
	CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error)

	// GetFrame returns the frame row, or (nil, nil) when the id is
	// unknown.
	GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error)

	// UpdateFrame applies a partial update. Updating an unknown id is a
	// documented no-op, not an error, so retries stay safe.
	UpdateFrame(ctx context.Context, frameID string, update FrameUpdate) error

	// ListFrames returns frames matching the query, ordered by ascending
	// creation time.
	ListFrames(ctx context.Context, query FrameQuery) ([]protocol.Frame, error)

	// AppendEvent persists one event. Events are append-only; there is
	// no update or delete.
	AppendEvent(ctx context.Context, event *protocol.Event) error

	// ListEvents returns the frame's events ordered by ascending
	// timestamp, filtered by the query.
	ListEvents(ctx context.Context, frameID string, query EventQuery) ([]protocol.Event, error)

	// AddAnchor persists one anchor.
	AddAnchor(ctx context.Context, anchor *protocol.Anchor) error

	// ListAnchors returns the frame's anchors ordered by descending
	// priority, then ascending creation time.
	ListAnchors(ctx context.Context, frameID string) ([]protocol.Anchor, error)

	// Search matches params.Query against frame name and digest text and
	// returns up to params.Limit hits ordered by descending score.
	Search(ctx context.Context, params SearchParams) ([]SearchHit, error)

	// Sweep deletes closed frames created before the cutoff, together
	// with their events and anchors, and returns the number of frames
	// removed. Active frames are never swept.
	Sweep(ctx context.Context, before time.Time) (int, error)
}
