// Package stack implements the hierarchical context stack: frames are
// created and closed like call-stack frames, accumulate events and
// anchors while open, and leave a digest behind when they close. The
// open chain (the "hot stack") is mirrored in process for O(1) reads;
// the mirror is only ever updated after the backing row persisted, so a
// failed write never produces a phantom frame.
package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

// Query types the store routes with.
const (
	opWrite = "write"
	opRead  = "read"
)

// CreateParams describes a new frame.
type CreateParams struct {
	Type   protocol.FrameType
	Name   string
	Inputs json.RawMessage
	// ParentFrameID overrides the default parent (the current top of
	// stack). It must reference an existing, still-open frame.
	ParentFrameID string
}

// Store is the frame store. One Store serves one (project, run) scope;
// construct it at process start and inject it into consumers.
type Store struct {
	mu      sync.Mutex
	router  *router.Router
	scope   protocol.Scope
	tree    *frameTree
	nowFunc func() time.Time
	newID   func() string
}

// NewStore creates a frame store persisting through the router, scoped
// to the given (project, run) pair.
func NewStore(r *router.Router, scope protocol.Scope) *Store {
	return &Store{
		router:  r,
		scope:   scope,
		tree:    newFrameTree(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// Resume rebuilds the hot-stack mirror from persisted state, so a new
// process picks up the open chain a previous one left behind. Frames
// are mirrored in creation order; parents always precede children.
func (s *Store) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []protocol.Frame
	err := s.router.Route(ctx, "resume", router.RouteContext{QueryType: opRead},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				frames, err = a.ListFrames(ctx, storage.FrameQuery{
					ProjectID: s.scope.ProjectID,
					RunID:     s.scope.RunID,
					State:     protocol.StateActive,
				})
				return err
			})
		})
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	s.tree = newFrameTree()
	for _, f := range frames {
		s.tree.add(f)
	}

	// Recover the unresolved-error flag from each frame's event log.
	for _, id := range s.tree.hotIDs() {
		events, err := s.listEventsLocked(ctx, id, storage.EventQuery{})
		if err != nil {
			return fmt.Errorf("resume events for %s: %w", id, err)
		}
		node := s.tree.get(id)
		for _, e := range events {
			switch e.Type {
			case protocol.EventError:
				node.openError = true
			case protocol.EventResult:
				node.openError = false
			}
			if ts := e.Timestamp.UnixNano(); ts > node.lastEventAt {
				node.lastEventAt = ts
			}
		}
	}
	return nil
}

// CreateFrame persists a new frame and pushes it onto the hot stack.
// Depth is computed from the resolved parent; the mirror is only
// touched after the row persisted.
func (s *Store) CreateFrame(ctx context.Context, params CreateParams) (string, error) {
	if params.Name == "" {
		return "", fmt.Errorf("create frame: name is required")
	}
	if params.Type == "" {
		params.Type = protocol.FrameTask
	}
	if !params.Type.Valid() {
		return "", fmt.Errorf("create frame: unknown frame type %q", params.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := params.ParentFrameID
	if parentID == "" {
		parentID = s.tree.top()
	}

	depth := 0
	if parentID != "" {
		parent := s.tree.get(parentID)
		if parent == nil {
			return "", fmt.Errorf("create frame: %w", &protocol.FrameNotFoundError{FrameID: parentID})
		}
		if parent.frame.State.Closed() {
			return "", fmt.Errorf("create frame: %w", &protocol.InvalidStateError{
				FrameID: parentID, State: parent.frame.State, Op: "attach child to",
			})
		}
		depth = parent.frame.Depth + 1
	}

	frame := protocol.Frame{
		FrameID:       s.newID(),
		ParentFrameID: parentID,
		ProjectID:     s.scope.ProjectID,
		RunID:         s.scope.RunID,
		Type:          params.Type,
		Name:          params.Name,
		State:         protocol.StateActive,
		Depth:         depth,
		CreatedAt:     s.nowFunc().UTC(),
		Inputs:        params.Inputs,
	}

	err := s.router.Route(ctx, frame.FrameID, router.RouteContext{QueryType: opWrite},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				_, err := a.CreateFrame(ctx, &frame)
				return err
			})
		})
	if err != nil {
		// Persistence failed: the mirror stays untouched, no phantom frame.
		return "", fmt.Errorf("create frame: %w", err)
	}

	s.tree.add(frame)
	return frame.FrameID, nil
}

// CloseFrame transitions the frame to its terminal state. Still-open
// descendants are force-closed first, leaf-to-root. The final state is
// error when the frame owns an unresolved error event, else completed.
// Closing an unknown or already-closed frame fails.
func (s *Store) CloseFrame(ctx context.Context, frameID string, outputs json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.tree.get(frameID)
	if node == nil {
		return fmt.Errorf("close frame: %w", &protocol.FrameNotFoundError{FrameID: frameID})
	}
	if node.frame.State.Closed() {
		return fmt.Errorf("close frame: %w", &protocol.InvalidStateError{
			FrameID: frameID, State: node.frame.State, Op: "close",
		})
	}

	for _, descID := range s.tree.openDescendants(frameID) {
		if err := s.finalizeLocked(ctx, descID, nil); err != nil {
			return fmt.Errorf("force-close descendant %s: %w", descID, err)
		}
	}
	if err := s.finalizeLocked(ctx, frameID, outputs); err != nil {
		return fmt.Errorf("close frame: %w", err)
	}
	return nil
}

// finalizeLocked computes the digest, persists the terminal update, and
// then (only then) drops the frame from the mirror.
func (s *Store) finalizeLocked(ctx context.Context, frameID string, outputs json.RawMessage) error {
	node := s.tree.get(frameID)

	events, err := s.listEventsLocked(ctx, frameID, storage.EventQuery{})
	if err != nil {
		return err
	}
	anchors, err := s.listAnchorsLocked(ctx, frameID)
	if err != nil {
		return err
	}

	state := protocol.StateCompleted
	if node.openError {
		state = protocol.StateError
	}

	digestText, digestJSON, err := buildDigest(&node.frame, state, events, anchors)
	if err != nil {
		return err
	}

	closedAt := s.nowFunc().UTC()
	update := storage.FrameUpdate{
		State:      &state,
		DigestText: &digestText,
		DigestJSON: &digestJSON,
		ClosedAt:   &closedAt,
	}
	if outputs != nil {
		update.Outputs = outputs
	}

	err = s.router.Route(ctx, frameID, router.RouteContext{QueryType: opWrite},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				return a.UpdateFrame(ctx, frameID, update)
			})
		})
	if err != nil {
		return err
	}

	closed := node.frame
	closed.DigestText = digestText
	closed.DigestJSON = digestJSON
	closed.ClosedAt = &closedAt
	if outputs != nil {
		closed.Outputs = outputs
	}
	s.tree.markClosed(frameID, state, closed)
	return nil
}

// AddEvent appends an event to the named frame, or to the current top
// of stack when frameID is empty. The frame must be active. Timestamps
// are monotonic within the frame.
func (s *Store) AddEvent(ctx context.Context, frameID, eventType string, data json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.targetLocked(frameID, "append event to")
	if err != nil {
		return "", fmt.Errorf("add event: %w", err)
	}

	ts := s.nowFunc().UTC()
	if n := ts.UnixNano(); n <= node.lastEventAt {
		ts = time.Unix(0, node.lastEventAt+1).UTC()
	}

	event := protocol.Event{
		EventID:   s.newID(),
		FrameID:   node.frame.FrameID,
		Type:      eventType,
		Timestamp: ts,
		Data:      data,
	}

	err = s.router.Route(ctx, event.EventID, router.RouteContext{QueryType: opWrite},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				return a.AppendEvent(ctx, &event)
			})
		})
	if err != nil {
		return "", fmt.Errorf("add event: %w", err)
	}

	node.lastEventAt = event.Timestamp.UnixNano()
	switch eventType {
	case protocol.EventError:
		node.openError = true
	case protocol.EventResult:
		node.openError = false
	}
	return event.EventID, nil
}

// AddAnchor attaches a durable note to the named frame (or the current
// top of stack). The anchor type must be one of the fixed enum values
// and priority must lie in [0, 10].
func (s *Store) AddAnchor(ctx context.Context, frameID string, typ protocol.AnchorType, text string, priority int) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("add anchor: unknown anchor type %q", typ)
	}
	if priority < protocol.MinAnchorPriority || priority > protocol.MaxAnchorPriority {
		return "", fmt.Errorf("add anchor: priority %d out of range [%d, %d]",
			priority, protocol.MinAnchorPriority, protocol.MaxAnchorPriority)
	}
	if text == "" {
		return "", fmt.Errorf("add anchor: text is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.targetLocked(frameID, "attach anchor to")
	if err != nil {
		return "", fmt.Errorf("add anchor: %w", err)
	}

	anchor := protocol.Anchor{
		ID:        s.newID(),
		FrameID:   node.frame.FrameID,
		Type:      typ,
		Text:      text,
		Priority:  priority,
		CreatedAt: s.nowFunc().UTC(),
	}

	err = s.router.Route(ctx, anchor.ID, router.RouteContext{QueryType: opWrite},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				return a.AddAnchor(ctx, &anchor)
			})
		})
	if err != nil {
		return "", fmt.Errorf("add anchor: %w", err)
	}
	return anchor.ID, nil
}

// CurrentFrameID returns the id of the frame on top of the hot stack,
// "" when the stack is empty. O(1).
func (s *Store) CurrentFrameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.top()
}

// StackDepth returns the number of open frames on the hot stack. O(1).
func (s *Store) StackDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.depth()
}

// GetFrame reads one frame row through the router. Returns
// FrameNotFoundError for unknown ids.
func (s *Store) GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error) {
	var frame *protocol.Frame
	err := s.router.Route(ctx, frameID, router.RouteContext{QueryType: opRead},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				frame, err = a.GetFrame(ctx, frameID)
				return err
			})
		})
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", err)
	}
	if frame == nil {
		return nil, fmt.Errorf("get frame: %w", &protocol.FrameNotFoundError{FrameID: frameID})
	}
	return frame, nil
}

// targetLocked resolves an explicit frame id or the top of stack, and
// checks that the frame can still be mutated.
func (s *Store) targetLocked(frameID, op string) (*frameNode, error) {
	if frameID == "" {
		frameID = s.tree.top()
		if frameID == "" {
			return nil, fmt.Errorf("hot stack is empty")
		}
	}
	node := s.tree.get(frameID)
	if node == nil {
		return nil, &protocol.FrameNotFoundError{FrameID: frameID}
	}
	if node.frame.State.Closed() {
		return nil, &protocol.InvalidStateError{FrameID: frameID, State: node.frame.State, Op: op}
	}
	return node, nil
}

func (s *Store) listEventsLocked(ctx context.Context, frameID string, query storage.EventQuery) ([]protocol.Event, error) {
	var events []protocol.Event
	err := s.router.Route(ctx, frameID, router.RouteContext{QueryType: opRead},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				events, err = a.ListEvents(ctx, frameID, query)
				return err
			})
		})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *Store) listAnchorsLocked(ctx context.Context, frameID string) ([]protocol.Anchor, error) {
	var anchors []protocol.Anchor
	err := s.router.Route(ctx, frameID, router.RouteContext{QueryType: opRead},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				anchors, err = a.ListAnchors(ctx, frameID)
				return err
			})
		})
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	return anchors, nil
}
