package protocol

import (
	"fmt"
	"time"
)

// FrameNotFoundError reports an operation that referenced an unknown
// frame id. It enables typed error discrimination via errors.As.
type FrameNotFoundError struct {
	FrameID string
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame %s not found", e.FrameID)
}

// AnchorNotFoundError reports an operation that referenced an unknown
// anchor id.
type AnchorNotFoundError struct {
	ID string
}

func (e *AnchorNotFoundError) Error() string {
	return fmt.Sprintf("anchor %s not found", e.ID)
}

// InvalidStateError reports a frame lifecycle violation: closing an
// already-closed frame, or mutating a frame that is no longer active.
type InvalidStateError struct {
	FrameID string
	State   FrameState
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s frame %s in state %s", e.Op, e.FrameID, e.State)
}

// BusyError reports connection-pool contention or an adapter timeout.
// It is retryable: the caller may back off and reissue the operation
// without risking data loss or duplication.
type BusyError struct {
	Resource string
	Wait     time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s busy after %s", e.Resource, e.Wait)
}

// Retryable always returns true; BusyError exists so callers can
// distinguish contention from hard failures.
func (e *BusyError) Retryable() bool { return true }
