package stack

import (
	"sort"

	"stackmem/pkg/protocol"
)

// frameNode is the in-process mirror of one persisted frame, plus the
// bookkeeping the store needs without a storage round-trip.
type frameNode struct {
	frame protocol.Frame
	// openError is set when the frame owns an error event that no later
	// result event resolved. It decides the terminal state on close.
	openError bool
	// lastEventAt enforces monotonic event timestamps within the frame.
	lastEventAt int64 // unix nanos
}

// frameTree is the explicit arena of mirrored frames: id -> node plus a
// parent index for child lookup, and the hot list of open frames in
// creation order (root first). Traversal and invariant checks operate on
// this structure, never on ad hoc scans of persisted rows.
type frameTree struct {
	nodes    map[string]*frameNode
	children map[string][]string
	hot      []string
}

func newFrameTree() *frameTree {
	return &frameTree{
		nodes:    make(map[string]*frameNode),
		children: make(map[string][]string),
	}
}

// add mirrors a newly persisted open frame.
func (t *frameTree) add(frame protocol.Frame) {
	t.nodes[frame.FrameID] = &frameNode{frame: frame}
	if frame.ParentFrameID != "" {
		t.children[frame.ParentFrameID] = append(t.children[frame.ParentFrameID], frame.FrameID)
	}
	t.hot = append(t.hot, frame.FrameID)
}

// get returns the node for id, nil when unmirrored.
func (t *frameTree) get(id string) *frameNode {
	return t.nodes[id]
}

// top returns the id of the most recently opened frame still on the hot
// list, "" when the stack is empty.
func (t *frameTree) top() string {
	if len(t.hot) == 0 {
		return ""
	}
	return t.hot[len(t.hot)-1]
}

// depth returns the number of open frames on the hot list.
func (t *frameTree) depth() int {
	return len(t.hot)
}

// hotIDs returns the open chain root->leaf.
func (t *frameTree) hotIDs() []string {
	out := make([]string, len(t.hot))
	copy(out, t.hot)
	return out
}

// openDescendants returns the still-open descendants of id ordered
// leaf-to-root (deepest first), so force-closing children finishes
// before the parent's own state is finalized.
func (t *frameTree) openDescendants(id string) []string {
	var open []string
	var walk func(string)
	walk = func(parent string) {
		for _, child := range t.children[parent] {
			node := t.nodes[child]
			if node == nil {
				continue
			}
			if !node.frame.State.Closed() {
				open = append(open, child)
			}
			walk(child)
		}
	}
	walk(id)

	sort.SliceStable(open, func(i, j int) bool {
		return t.nodes[open[i]].frame.Depth > t.nodes[open[j]].frame.Depth
	})
	return open
}

// markClosed records the terminal state and drops the frame from the
// hot list. The node itself stays in the arena so parent lookups keep
// working for later siblings.
func (t *frameTree) markClosed(id string, state protocol.FrameState, frame protocol.Frame) {
	node := t.nodes[id]
	if node == nil {
		return
	}
	node.frame = frame
	node.frame.State = state

	for i, hotID := range t.hot {
		if hotID == id {
			t.hot = append(t.hot[:i], t.hot[i+1:]...)
			break
		}
	}
}

// verifyDepths checks the structural invariant: depth 0 iff no parent,
// otherwise parent depth + 1. Returns the first violating id, if any.
func (t *frameTree) verifyDepths() (string, bool) {
	for id, node := range t.nodes {
		if node.frame.ParentFrameID == "" {
			if node.frame.Depth != 0 {
				return id, false
			}
			continue
		}
		parent := t.nodes[node.frame.ParentFrameID]
		if parent == nil {
			continue // parent closed before this process resumed
		}
		if node.frame.Depth != parent.frame.Depth+1 {
			return id, false
		}
	}
	return "", true
}
