package stack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stackmem/pkg/protocol"
)

// digestAnchorCap bounds how many anchors the text digest spells out;
// the JSON digest always carries all of them.
const digestAnchorCap = 5

// digestDoc is the structured summary persisted as digest_json when a
// frame closes. It lets retrieval reconstruct what the frame did
// without replaying the event log.
type digestDoc struct {
	Name        string             `json:"name"`
	Type        protocol.FrameType `json:"type"`
	State       protocol.FrameState `json:"state"`
	EventCounts map[string]int     `json:"event_counts,omitempty"`
	Anchors     []digestAnchor     `json:"anchors,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type digestAnchor struct {
	Type     protocol.AnchorType `json:"type"`
	Text     string              `json:"text"`
	Priority int                 `json:"priority"`
}

// buildDigest summarizes a closing frame from its accumulated events and
// anchors. Anchors lead the text, ordered by descending priority, so
// condensed context surfaces the durable facts first.
func buildDigest(frame *protocol.Frame, state protocol.FrameState,
	events []protocol.Event, anchors []protocol.Anchor) (string, string, error) {

	counts := make(map[string]int, 4)
	var errMsg string
	for _, e := range events {
		counts[e.Type]++
		if e.Type == protocol.EventError && errMsg == "" {
			errMsg = errorMessage(e.Data)
		}
	}

	sorted := make([]protocol.Anchor, len(anchors))
	copy(sorted, anchors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s)", frame.Name, frame.Type, state)

	for i, a := range sorted {
		if i >= digestAnchorCap {
			fmt.Fprintf(&b, "; +%d more anchors", len(sorted)-digestAnchorCap)
			break
		}
		fmt.Fprintf(&b, "; [%s] %s", a.Type, a.Text)
	}

	if len(events) > 0 {
		b.WriteString("; events:")
		for _, typ := range sortedKeys(counts) {
			fmt.Fprintf(&b, " %d %s", counts[typ], typ)
		}
	}
	if errMsg != "" {
		fmt.Fprintf(&b, "; error: %s", errMsg)
	}

	doc := digestDoc{
		Name:        frame.Name,
		Type:        frame.Type,
		State:       state,
		EventCounts: counts,
		Error:       errMsg,
	}
	for _, a := range sorted {
		doc.Anchors = append(doc.Anchors, digestAnchor{Type: a.Type, Text: a.Text, Priority: a.Priority})
	}
	if len(counts) == 0 {
		doc.EventCounts = nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("marshal digest for %s: %w", frame.FrameID, err)
	}
	return b.String(), string(data), nil
}

// errorMessage pulls a human-readable message out of an error event's
// data payload, falling back to the raw JSON.
func errorMessage(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return string(data)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
