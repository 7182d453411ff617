// Package protocol defines the shared types of the StackMemory core:
// frames, events, anchors, tier configuration, retrieval results, the
// SQLite schema, and the typed errors every layer discriminates on.
package protocol

import (
	"encoding/json"
	"time"
)

// StackmemDir is the per-user state directory under $HOME.
const StackmemDir = ".stackmem"

// FrameType classifies the unit of work a frame represents.
type FrameType string

const (
	FrameOperation   FrameType = "operation"
	FrameDecision    FrameType = "decision"
	FrameObservation FrameType = "observation"
	FrameErrored     FrameType = "error"
	FrameCheckpoint  FrameType = "checkpoint"
	FrameTask        FrameType = "task"
)

// Valid reports whether the frame type is one of the known values.
func (t FrameType) Valid() bool {
	switch t {
	case FrameOperation, FrameDecision, FrameObservation, FrameErrored, FrameCheckpoint, FrameTask:
		return true
	default:
		return false
	}
}

// FrameState is the lifecycle state of a frame. Transitions are one-way:
// active -> completed or active -> error. A closed frame never reopens;
// continuing work means creating a new frame.
type FrameState string

const (
	StateActive    FrameState = "active"
	StateCompleted FrameState = "completed"
	StateError     FrameState = "error"
)

// Closed reports whether the state is terminal.
func (s FrameState) Closed() bool {
	return s == StateCompleted || s == StateError
}

// Event types written by the frame store. The set is open: callers may
// append events with types not listed here.
const (
	EventToolCall    = "tool_call"
	EventDecision    = "decision"
	EventObservation = "observation"
	EventError       = "error"
	EventResult      = "result"
)

// AnchorType classifies a durable note attached to a frame. Unlike event
// types, the anchor type set is fixed and validated on write.
type AnchorType string

const (
	AnchorFact              AnchorType = "FACT"
	AnchorDecision          AnchorType = "DECISION"
	AnchorConstraint        AnchorType = "CONSTRAINT"
	AnchorInterfaceContract AnchorType = "INTERFACE_CONTRACT"
	AnchorTodo              AnchorType = "TODO"
	AnchorRisk              AnchorType = "RISK"
)

// Valid reports whether the anchor type is one of the fixed enum values.
func (t AnchorType) Valid() bool {
	switch t {
	case AnchorFact, AnchorDecision, AnchorConstraint, AnchorInterfaceContract, AnchorTodo, AnchorRisk:
		return true
	default:
		return false
	}
}

// MinAnchorPriority and MaxAnchorPriority bound the anchor priority scale.
const (
	MinAnchorPriority = 0
	MaxAnchorPriority = 10
)

// FrameError carries the failure detail recorded on a frame that closed
// in the error state.
type FrameError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Frame is one unit of work on the context stack, analogous to a
// call-stack frame. ParentFrameID forms a tree; Depth is 0 iff
// ParentFrameID is empty, otherwise parent depth + 1.
type Frame struct {
	FrameID       string          `json:"frame_id"`
	ParentFrameID string          `json:"parent_frame_id,omitempty"`
	ProjectID     string          `json:"project_id"`
	RunID         string          `json:"run_id"`
	Type          FrameType       `json:"type"`
	Name          string          `json:"name"`
	State         FrameState      `json:"state"`
	Depth         int             `json:"depth"`
	CreatedAt     time.Time       `json:"created_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	DigestText    string          `json:"digest_text,omitempty"`
	DigestJSON    string          `json:"digest_json,omitempty"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	Error         *FrameError     `json:"error,omitempty"`
}

// Event is one append-only log entry owned by exactly one frame.
// Ordering within a frame is by monotonic timestamp; events are never
// edited or removed by normal operation.
type Event struct {
	EventID   string          `json:"event_id"`
	FrameID   string          `json:"frame_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Anchor is a durable, prioritized note distinct from the event log.
// Anchors survive event-log truncation and drive condensed-context
// ordering.
type Anchor struct {
	ID        string     `json:"id"`
	FrameID   string     `json:"frame_id"`
	Type      AnchorType `json:"type"`
	Text      string     `json:"text"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
}

// TierConfig describes the retention and routing characteristics of one
// registered storage tier.
type TierConfig struct {
	// MaxAge is the retention window; zero means keep forever.
	MaxAge time.Duration `json:"max_age"`
	// PreferredOperations lists the query types this tier should answer
	// (e.g. "write", "read", "search").
	PreferredOperations []string `json:"preferred_operations,omitempty"`
	// SupportedFeatures lists capabilities the backend provides
	// (e.g. "fts", "durable", "archive").
	SupportedFeatures []string `json:"supported_features,omitempty"`
	// RoutingRules maps a query type directly to this tier when present.
	RoutingRules map[string]string `json:"routing_rules,omitempty"`
}

// PrefersOperation reports whether queryType is listed in
// PreferredOperations.
func (c TierConfig) PrefersOperation(queryType string) bool {
	for _, op := range c.PreferredOperations {
		if op == queryType {
			return true
		}
	}
	return false
}

// SupportsFeature reports whether feature is listed in SupportedFeatures.
func (c TierConfig) SupportsFeature(feature string) bool {
	for _, f := range c.SupportedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// RetrievedContext is one ranked match returned by the retriever.
type RetrievedContext struct {
	Frame          Frame   `json:"frame"`
	RelevanceScore float64 `json:"relevance_score"`
	MatchedExcerpt string  `json:"matched_excerpt,omitempty"`
}

// RetrievalResult is the answer to a "what was I doing" query.
type RetrievalResult struct {
	Contexts        []RetrievedContext `json:"contexts"`
	TotalMatches    int                `json:"total_matches"`
	RetrievalTimeMs int64              `json:"retrieval_time_ms"`
}

// Scope identifies the (project, run) pair all frame rows are keyed by.
// The pair is supplied by session resolution outside the core; the core
// does not interpret the values beyond scoping rows.
type Scope struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
}
