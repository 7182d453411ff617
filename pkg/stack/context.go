package stack

import (
	"context"
	"encoding/json"
	"fmt"

	"stackmem/pkg/protocol"
	"stackmem/pkg/storage"
)

// FrameContext is one open frame rendered for prompt assembly: the goal
// it was opened with, the durable anchors attached so far, and a bounded
// tail of recent events.
type FrameContext struct {
	Frame        protocol.Frame    `json:"frame"`
	Goal         string            `json:"goal,omitempty"`
	Constraints  []string          `json:"constraints,omitempty"`
	Anchors      []protocol.Anchor `json:"anchors,omitempty"`
	RecentEvents []protocol.Event  `json:"recent_events,omitempty"`
	// Artifacts collects the "artifact" references mentioned in event
	// payloads (file paths, URLs), deduplicated in first-seen order.
	Artifacts []string `json:"artifacts,omitempty"`
}

// HotStackContext renders the open chain root-to-leaf. Each frame
// carries at most maxEventsPerFrame of its most recent events;
// maxEventsPerFrame <= 0 means unbounded.
func (s *Store) HotStackContext(ctx context.Context, maxEventsPerFrame int) ([]FrameContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.tree.hotIDs()
	out := make([]FrameContext, 0, len(ids))
	for _, id := range ids {
		node := s.tree.get(id)

		anchors, err := s.listAnchorsLocked(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("hot stack context: %w", err)
		}
		events, err := s.listEventsLocked(ctx, id, storage.EventQuery{Limit: maxEventsPerFrame})
		if err != nil {
			return nil, fmt.Errorf("hot stack context: %w", err)
		}

		fc := FrameContext{
			Frame:        node.frame,
			Goal:         frameGoal(&node.frame),
			Anchors:      anchors,
			RecentEvents: events,
			Artifacts:    eventArtifacts(events),
		}
		for _, a := range anchors {
			if a.Type == protocol.AnchorConstraint {
				fc.Constraints = append(fc.Constraints, a.Text)
			}
		}
		out = append(out, fc)
	}
	return out, nil
}

// frameGoal prefers an explicit "goal" key in the frame's inputs and
// falls back to the frame name.
func frameGoal(f *protocol.Frame) string {
	if len(f.Inputs) > 0 {
		var payload struct {
			Goal string `json:"goal"`
		}
		if err := json.Unmarshal(f.Inputs, &payload); err == nil && payload.Goal != "" {
			return payload.Goal
		}
	}
	return f.Name
}

// eventArtifacts pulls "artifact" references out of event payloads,
// deduplicated in first-seen order.
func eventArtifacts(events []protocol.Event) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, e := range events {
		if len(e.Data) == 0 {
			continue
		}
		var payload struct {
			Artifact string `json:"artifact"`
		}
		if err := json.Unmarshal(e.Data, &payload); err != nil || payload.Artifact == "" {
			continue
		}
		if _, ok := seen[payload.Artifact]; ok {
			continue
		}
		seen[payload.Artifact] = struct{}{}
		out = append(out, payload.Artifact)
	}
	return out
}
