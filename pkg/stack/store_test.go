//nolint:testpackage // exercises the mirror internals directly
package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	a := storage.NewCacheAdapter()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(ctx) })

	r := router.New()
	r.RegisterTier(router.Tier{
		Name: "hot", Pool: storage.NewPool("hot", a, 4, time.Second), Priority: 100,
		Config: protocol.TierConfig{PreferredOperations: []string{"write", "read"}},
	})
	return NewStore(r, protocol.Scope{ProjectID: "proj", RunID: "run"})
}

func TestStore_CreateFrame_DepthFollowsParent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rootID, err := s.CreateFrame(ctx, CreateParams{Type: protocol.FrameTask, Name: "build feature"})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	childID, err := s.CreateFrame(ctx, CreateParams{Type: protocol.FrameOperation, Name: "edit file"})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	root := s.tree.get(rootID)
	child := s.tree.get(childID)
	if root.frame.Depth != 0 {
		t.Errorf("root depth = %d, want 0", root.frame.Depth)
	}
	if child.frame.Depth != 1 {
		t.Errorf("child depth = %d, want 1", child.frame.Depth)
	}
	if child.frame.ParentFrameID != rootID {
		t.Errorf("child parent = %q, want %q", child.frame.ParentFrameID, rootID)
	}
	if id, ok := s.tree.verifyDepths(); !ok {
		t.Errorf("depth invariant violated at %s", id)
	}
}

func TestStore_CreateFrame_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateFrame(ctx, CreateParams{Type: protocol.FrameTask}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.CreateFrame(ctx, CreateParams{Type: "bogus", Name: "x"}); err == nil {
		t.Error("expected error for unknown frame type")
	}
	if _, err := s.CreateFrame(ctx, CreateParams{Name: "x", ParentFrameID: "ghost"}); err == nil {
		t.Error("expected error for unknown parent")
	} else {
		var nf *protocol.FrameNotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected FrameNotFoundError, got %v", err)
		}
	}
}

func TestStore_HotStack_RootToLeaf(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"task", "step", "substep"} {
		id, err := s.CreateFrame(ctx, CreateParams{Name: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ids = append(ids, id)
	}

	if got := s.StackDepth(); got != 3 {
		t.Fatalf("stack depth = %d, want 3", got)
	}
	if got := s.CurrentFrameID(); got != ids[2] {
		t.Errorf("current frame = %q, want leaf %q", got, ids[2])
	}

	fcs, err := s.HotStackContext(ctx, 0)
	if err != nil {
		t.Fatalf("hot stack context: %v", err)
	}
	for i, fc := range fcs {
		if fc.Frame.FrameID != ids[i] {
			t.Errorf("context[%d] = %q, want %q (root-to-leaf)", i, fc.Frame.FrameID, ids[i])
		}
	}
}

func TestStore_CloseFrame_DoubleCloseFails(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFrame(ctx, CreateParams{Name: "once"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CloseFrame(ctx, id, nil); err != nil {
		t.Fatalf("first close: %v", err)
	}

	err = s.CloseFrame(ctx, id, nil)
	var inv *protocol.InvalidStateError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidStateError on double close, got %v", err)
	}
}

func TestStore_CloseFrame_ForceClosesDescendantsLeafFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rootID, _ := s.CreateFrame(ctx, CreateParams{Name: "root"})
	midID, _ := s.CreateFrame(ctx, CreateParams{Name: "mid", ParentFrameID: rootID})
	leafID, _ := s.CreateFrame(ctx, CreateParams{Name: "leaf", ParentFrameID: midID})

	if err := s.CloseFrame(ctx, rootID, nil); err != nil {
		t.Fatalf("close root: %v", err)
	}
	if got := s.StackDepth(); got != 0 {
		t.Errorf("stack depth after closing root = %d, want 0", got)
	}

	for _, id := range []string{leafID, midID, rootID} {
		f, err := s.GetFrame(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if f.State != protocol.StateCompleted {
			t.Errorf("frame %s state = %q, want completed", id, f.State)
		}
		if f.ClosedAt == nil {
			t.Errorf("frame %s has no closed_at", id)
		}
	}
}

func TestStore_CloseFrame_UnresolvedErrorYieldsErrorState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateFrame(ctx, CreateParams{Name: "flaky"})
	if _, err := s.AddEvent(ctx, id, protocol.EventError, json.RawMessage(`{"message":"timeout"}`)); err != nil {
		t.Fatalf("add error event: %v", err)
	}
	if err := s.CloseFrame(ctx, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := s.GetFrame(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.State != protocol.StateError {
		t.Errorf("state = %q, want error", f.State)
	}
}

func TestStore_CloseFrame_ResultResolvesError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateFrame(ctx, CreateParams{Name: "retried"})
	_, _ = s.AddEvent(ctx, id, protocol.EventError, json.RawMessage(`{"message":"first try failed"}`))
	_, _ = s.AddEvent(ctx, id, protocol.EventResult, json.RawMessage(`{"ok":true}`))

	if err := s.CloseFrame(ctx, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	f, _ := s.GetFrame(ctx, id)
	if f.State != protocol.StateCompleted {
		t.Errorf("state = %q, want completed after result resolved the error", f.State)
	}
}

func TestStore_CloseFrame_DigestSummarizesAnchorsAndEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateFrame(ctx, CreateParams{Type: protocol.FrameTask, Name: "wire auth"})
	if _, err := s.AddAnchor(ctx, id, protocol.AnchorDecision, "use bearer tokens", 9); err != nil {
		t.Fatalf("add anchor: %v", err)
	}
	if _, err := s.AddEvent(ctx, id, protocol.EventToolCall, json.RawMessage(`{"tool":"edit"}`)); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := s.CloseFrame(ctx, id, json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := s.GetFrame(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, want := range []string{"wire auth", "[DECISION] use bearer tokens", "1 tool_call"} {
		if !strings.Contains(f.DigestText, want) {
			t.Errorf("digest %q missing %q", f.DigestText, want)
		}
	}

	var doc struct {
		State   string `json:"state"`
		Anchors []struct {
			Text string `json:"text"`
		} `json:"anchors"`
	}
	if err := json.Unmarshal([]byte(f.DigestJSON), &doc); err != nil {
		t.Fatalf("unmarshal digest json: %v", err)
	}
	if doc.State != "completed" || len(doc.Anchors) != 1 {
		t.Errorf("unexpected digest doc: %+v", doc)
	}
}

func TestStore_AddEvent_MonotonicTimestamps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Freeze the clock so collisions are guaranteed.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fixed }

	id, _ := s.CreateFrame(ctx, CreateParams{Name: "busy"})
	for i := 0; i < 3; i++ {
		if _, err := s.AddEvent(ctx, id, protocol.EventObservation, nil); err != nil {
			t.Fatalf("add event %d: %v", i, err)
		}
	}

	events, err := s.listEventsLocked(ctx, id, storage.EventQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if !events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Errorf("timestamps not strictly increasing at %d: %v then %v",
				i, events[i-1].Timestamp, events[i].Timestamp)
		}
	}
}

func TestStore_AddEvent_ClosedFrameRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateFrame(ctx, CreateParams{Name: "done"})
	_ = s.CloseFrame(ctx, id, nil)

	_, err := s.AddEvent(ctx, id, protocol.EventObservation, nil)
	var inv *protocol.InvalidStateError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestStore_AddAnchor_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateFrame(ctx, CreateParams{Name: "frame"})

	cases := []struct {
		name     string
		typ      protocol.AnchorType
		text     string
		priority int
	}{
		{"unknown type", "HUNCH", "text", 5},
		{"priority too high", protocol.AnchorFact, "text", 11},
		{"priority negative", protocol.AnchorFact, "text", -1},
		{"empty text", protocol.AnchorFact, "", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.AddAnchor(ctx, id, tc.typ, tc.text, tc.priority); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStore_ConcurrentCreates_UniqueIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.CreateFrame(ctx, CreateParams{Name: fmt.Sprintf("frame-%d", i)})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty frame id %q", id)
		}
		seen[id] = true
	}
	if got := s.StackDepth(); got != 10 {
		t.Errorf("stack depth = %d, want 10", got)
	}
	if id, ok := s.tree.verifyDepths(); !ok {
		t.Errorf("depth invariant violated at %s", id)
	}
}

func TestStore_PersistFailureLeavesMirrorUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	failing := &failingAdapter{CacheAdapter: storage.NewCacheAdapter()}
	if err := failing.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r := router.New()
	r.RegisterTier(router.Tier{
		Name: "hot", Pool: storage.NewPool("hot", failing, 1, time.Second), Priority: 1,
	})
	s := NewStore(r, protocol.Scope{ProjectID: "p", RunID: "r"})

	failing.fail = true
	if _, err := s.CreateFrame(ctx, CreateParams{Name: "doomed"}); err == nil {
		t.Fatal("expected create to fail")
	}
	if got := s.StackDepth(); got != 0 {
		t.Errorf("failed persist must not mirror the frame, depth = %d", got)
	}

	failing.fail = false
	id, err := s.CreateFrame(ctx, CreateParams{Name: "fine"})
	if err != nil {
		t.Fatalf("create after recovery: %v", err)
	}

	failing.fail = true
	if err := s.CloseFrame(ctx, id, nil); err == nil {
		t.Fatal("expected close to fail")
	}
	if got := s.CurrentFrameID(); got != id {
		t.Errorf("failed close must keep the frame on the hot stack, top = %q", got)
	}
}

func TestStore_Resume_RebuildsHotStack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := storage.NewCacheAdapter()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r := router.New()
	r.RegisterTier(router.Tier{
		Name: "hot", Pool: storage.NewPool("hot", a, 4, time.Second), Priority: 1,
	})
	scope := protocol.Scope{ProjectID: "p", RunID: "r"}

	first := NewStore(r, scope)
	rootID, _ := first.CreateFrame(ctx, CreateParams{Name: "root"})
	leafID, _ := first.CreateFrame(ctx, CreateParams{Name: "leaf"})
	closedID, _ := first.CreateFrame(ctx, CreateParams{Name: "transient", ParentFrameID: leafID})
	if err := first.CloseFrame(ctx, closedID, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _ = first.AddEvent(ctx, leafID, protocol.EventError, json.RawMessage(`{"message":"open"}`))

	second := NewStore(r, scope)
	if err := second.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := second.StackDepth(); got != 2 {
		t.Fatalf("resumed depth = %d, want 2", got)
	}
	if got := second.CurrentFrameID(); got != leafID {
		t.Errorf("resumed top = %q, want %q", got, leafID)
	}
	if node := second.tree.get(rootID); node == nil {
		t.Error("root frame missing after resume")
	}
	if node := second.tree.get(leafID); node == nil || !node.openError {
		t.Error("resume must recover the unresolved-error flag")
	}
}

// failingAdapter wraps the in-memory adapter and fails every write while
// fail is set.
type failingAdapter struct {
	*storage.CacheAdapter
	fail bool
}

func (f *failingAdapter) CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error) {
	if f.fail {
		return "", errors.New("backend down")
	}
	return f.CacheAdapter.CreateFrame(ctx, frame)
}

func (f *failingAdapter) UpdateFrame(ctx context.Context, frameID string, update storage.FrameUpdate) error {
	if f.fail {
		return errors.New("backend down")
	}
	return f.CacheAdapter.UpdateFrame(ctx, frameID, update)
}
