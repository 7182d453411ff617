package storage

import (
	"context"
	"fmt"
	"time"

	"stackmem/pkg/protocol"
)

// DefaultBusyTimeout matches the SQLite busy_timeout the embedded tier
// runs with: writers contending for the backend wait this long before
// failing with a retryable Busy error.
const DefaultBusyTimeout = 5 * time.Second

// DefaultPoolSize bounds concurrent handles per backend.
const DefaultPoolSize = 4

// Pool bounds and serializes concurrent use of one adapter's backend.
// Acquisition waits up to busyTimeout; past that the operation fails with
// protocol.BusyError rather than queueing unboundedly.
type Pool struct {
	name        string
	adapter     Adapter
	tokens      chan struct{}
	busyTimeout time.Duration
}

// NewPool creates a pool of size handles over the adapter. Size and
// busyTimeout fall back to defaults when non-positive.
func NewPool(name string, adapter Adapter, size int, busyTimeout time.Duration) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &Pool{
		name:        name,
		adapter:     adapter,
		tokens:      tokens,
		busyTimeout: busyTimeout,
	}
}

// Adapter returns the underlying adapter. Callers needing the pool's
// concurrency bound should go through Do instead.
func (p *Pool) Adapter() Adapter { return p.adapter }

// Size returns the pool's handle bound.
func (p *Pool) Size() int { return cap(p.tokens) }

// Do runs fn with a pooled handle. It waits up to the pool's busy
// timeout for a free handle, then fails with a retryable BusyError.
func (p *Pool) Do(ctx context.Context, fn func(Adapter) error) error {
	timer := time.NewTimer(p.busyTimeout)
	defer timer.Stop()

	select {
	case <-p.tokens:
	case <-timer.C:
		return fmt.Errorf("pool %s: %w", p.name, &protocol.BusyError{Resource: p.name, Wait: p.busyTimeout})
	case <-ctx.Done():
		return fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	}
	defer func() { p.tokens <- struct{}{} }()

	return fn(p.adapter)
}
