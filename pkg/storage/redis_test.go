package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"stackmem/pkg/protocol"
	"stackmem/pkg/storage"
)

// setupRedis connects to the Redis named by STACKMEM_TEST_REDIS_URL, or
// skips. The adapter's unit-testable logic (ranking, update merge) is
// covered by the shared scorer tests; this exercises the live wiring.
func setupRedis(t *testing.T) *storage.RedisAdapter {
	t.Helper()

	url := os.Getenv("STACKMEM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("STACKMEM_TEST_REDIS_URL not set; skipping redis integration test")
	}

	ctx := context.Background()
	a := storage.NewRedisAdapter(storage.RedisOptions{URL: url})
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(ctx) })
	return a
}

func TestRedisAdapter_RoundTrip(t *testing.T) {
	a := setupRedis(t)
	ctx := context.Background()

	frame := newTestFrame("redis task", "stored on the networked tier", time.Now().UTC())
	if _, err := a.CreateFrame(ctx, frame); err != nil {
		t.Fatalf("create frame: %v", err)
	}

	got, err := a.GetFrame(ctx, frame.FrameID)
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	if got == nil || got.Name != "redis task" {
		t.Fatalf("expected frame back, got %+v", got)
	}

	state := protocol.StateCompleted
	closedAt := time.Now().UTC()
	if err := a.UpdateFrame(ctx, frame.FrameID, storage.FrameUpdate{State: &state, ClosedAt: &closedAt}); err != nil {
		t.Fatalf("update frame: %v", err)
	}

	got, err = a.GetFrame(ctx, frame.FrameID)
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	if got.State != protocol.StateCompleted {
		t.Errorf("expected completed state, got %q", got.State)
	}

	// Sweep the closed frame so repeated runs stay clean.
	if _, err := a.Sweep(ctx, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestRedisAdapter_UpdateUnknownIsNoOp(t *testing.T) {
	a := setupRedis(t)
	ctx := context.Background()

	state := protocol.StateCompleted
	if err := a.UpdateFrame(ctx, "nonexistent-frame-id", storage.FrameUpdate{State: &state}); err != nil {
		t.Fatalf("update on unknown id must not error: %v", err)
	}
	got, err := a.GetFrame(ctx, "nonexistent-frame-id")
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	if got != nil {
		t.Fatal("unknown id must remain absent")
	}
}
