package retrieve_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"stackmem/pkg/protocol"
	"stackmem/pkg/retrieve"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

const testScope = "proj"

func newFixture(t *testing.T) (*retrieve.Retriever, *storage.CacheAdapter) {
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
		Config: protocol.TierConfig{PreferredOperations: []string{"search", "write", "read"}},
	})
	return retrieve.New(r, protocol.Scope{ProjectID: testScope, RunID: "run"}), a
}

func seedFrame(t *testing.T, a *storage.CacheAdapter, name, digest string, age time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	closed := now.Add(-age)
	frame := &protocol.Frame{
		FrameID:    uuid.NewString(),
		ProjectID:  testScope,
		RunID:      "run",
		Type:       protocol.FrameTask,
		Name:       name,
		State:      protocol.StateCompleted,
		CreatedAt:  now.Add(-age),
		ClosedAt:   &closed,
		DigestText: digest,
	}
	if _, err := a.CreateFrame(context.Background(), frame); err != nil {
		t.Fatalf("seed frame %q: %v", name, err)
	}
	return frame.FrameID
}

func TestRetrieve_EmptyQueryReturnsNothing(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)
	seedFrame(t, a, "auth refactor", "moved token checks into middleware", 0)

	for _, q := range []string{"", "   ", "\t\n"} {
		res, err := r.Retrieve(context.Background(), retrieve.Query{Text: q})
		if err != nil {
			t.Fatalf("retrieve %q: %v", q, err)
		}
		if len(res.Contexts) != 0 || res.TotalMatches != 0 {
			t.Errorf("query %q must match nothing, got %d contexts", q, len(res.Contexts))
		}
	}
}

func TestRetrieve_NameMatchOutranksDigestMatch(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)

	nameHit := seedFrame(t, a, "database migration", "updated user table", time.Hour)
	seedFrame(t, a, "cleanup pass", "ran the database migration script", time.Hour)

	res, err := r.Retrieve(context.Background(), retrieve.Query{Text: "database migration"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Contexts) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res.Contexts))
	}
	if res.Contexts[0].Frame.FrameID != nameHit {
		t.Errorf("name match must rank first, got %q", res.Contexts[0].Frame.Name)
	}
	if res.Contexts[0].RelevanceScore <= res.Contexts[1].RelevanceScore {
		t.Error("scores must be strictly ordered")
	}
}

func TestRetrieve_AnchorPriorityBoostsRank(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)
	ctx := context.Background()

	plain := seedFrame(t, a, "billing retry logic", "retry loop for billing", time.Hour)
	anchored := seedFrame(t, a, "billing retry logic", "retry loop for billing", time.Hour)
	if err := a.AddAnchor(ctx, &protocol.Anchor{
		ID: uuid.NewString(), FrameID: anchored,
		Type: protocol.AnchorConstraint, Text: "never retry more than 3 times",
		Priority: 10, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add anchor: %v", err)
	}

	res, err := r.Retrieve(ctx, retrieve.Query{Text: "billing retry"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Contexts) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res.Contexts))
	}
	if res.Contexts[0].Frame.FrameID != anchored {
		t.Errorf("anchored frame must outrank %q", plain)
	}
}

func TestRetrieve_MaxResultsCap(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)

	for i := 0; i < 8; i++ {
		seedFrame(t, a, fmt.Sprintf("deploy step %d", i), "rolled out deploy", time.Duration(i)*time.Minute)
	}

	res, err := r.Retrieve(context.Background(), retrieve.Query{Text: "deploy", MaxResults: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Contexts) != 3 {
		t.Errorf("expected 3 contexts, got %d", len(res.Contexts))
	}
	if res.TotalMatches != 8 {
		t.Errorf("TotalMatches must count all candidates, got %d", res.TotalMatches)
	}
}

func TestRetrieve_TokenBudgetTakesWholeContexts(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)

	// Newer frames rank higher; each context costs roughly
	// len(name+digest)/4 + 8 tokens.
	for i := 0; i < 5; i++ {
		seedFrame(t, a, "indexing job", "rebuilt the search index end to end", time.Duration(i)*time.Hour)
	}

	probe, err := r.Retrieve(context.Background(), retrieve.Query{Text: "indexing", MaxResults: 1})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(probe.Contexts) != 1 {
		t.Fatalf("probe expected 1 context, got %d", len(probe.Contexts))
	}
	perContext := retrieve.EstimateTokens(probe.Contexts[0])

	res, err := r.Retrieve(context.Background(), retrieve.Query{
		Text:        "indexing",
		TokenBudget: perContext*2 + 1,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Contexts) != 2 {
		t.Errorf("budget for 2 contexts must yield exactly 2, got %d", len(res.Contexts))
	}
}

func TestRetrieve_ScopedToProjectAndRun(t *testing.T) {
	t.Parallel()
	r, a := newFixture(t)
	ctx := context.Background()

	seedFrame(t, a, "shared phrase", "in scope", 0)

	other := &protocol.Frame{
		FrameID: uuid.NewString(), ProjectID: "other-project", RunID: "run",
		Type: protocol.FrameTask, Name: "shared phrase", State: protocol.StateCompleted,
		CreatedAt: time.Now().UTC(), DigestText: "out of scope",
	}
	if _, err := a.CreateFrame(ctx, other); err != nil {
		t.Fatalf("seed other project: %v", err)
	}

	res, err := r.Retrieve(ctx, retrieve.Query{Text: "shared phrase"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Contexts) != 1 {
		t.Fatalf("expected only the in-scope frame, got %d", len(res.Contexts))
	}
	if res.Contexts[0].Frame.ProjectID != testScope {
		t.Errorf("leaked frame from project %q", res.Contexts[0].Frame.ProjectID)
	}
}
