// Package retrieve answers "what do I already know about X": it searches
// closed-frame digests through the router, re-ranks the hits with anchor
// and recency weighting, and trims the result to a token budget so the
// caller can splice it straight into a prompt.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stackmem/pkg/protocol"
	"stackmem/pkg/router"
	"stackmem/pkg/storage"
)

const (
	// DefaultMaxResults bounds the result set when the caller does not.
	DefaultMaxResults = 10
	// overscanFactor asks the backend for more rows than the caller wants
	// so the composite re-rank has candidates to promote.
	overscanFactor = 3
	// minOverscan is the floor on the candidate fetch.
	minOverscan = 50
	// tokenOverheadPerContext covers the framing around each context when
	// rendered (labels, separators) on top of its text.
	tokenOverheadPerContext = 8
)

// Query is one retrieval request.
type Query struct {
	Text string
	// MaxResults caps the number of returned contexts; <= 0 means
	// DefaultMaxResults.
	MaxResults int
	// TokenBudget caps the estimated token total of the returned
	// contexts; <= 0 means unbounded. Contexts are included whole: the
	// first one that would overflow the budget ends the result.
	TokenBudget int
}

// Retriever performs ranked retrieval over closed frames in one
// (project, run) scope.
type Retriever struct {
	router *router.Router
	scope  protocol.Scope
	now    func() time.Time
}

// New creates a retriever routing through r.
func New(r *router.Router, scope protocol.Scope) *Retriever {
	return &Retriever{router: r, scope: scope, now: time.Now}
}

// Retrieve runs the query and returns budget-trimmed, relevance-ordered
// contexts. An empty or whitespace-only query returns an empty result
// without touching storage.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*protocol.RetrievalResult, error) {
	start := r.now()

	if len(storage.Terms(q.Text)) == 0 {
		return &protocol.RetrievalResult{
			Contexts:        []protocol.RetrievedContext{},
			RetrievalTimeMs: elapsedMs(start, r.now()),
		}, nil
	}

	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	overscan := maxResults * overscanFactor
	if overscan < minOverscan {
		overscan = minOverscan
	}

	var hits []storage.SearchHit
	err := r.router.Route(ctx, q.Text, router.RouteContext{QueryType: "search"},
		func(ctx context.Context, tier router.Tier) error {
			return tier.Pool.Do(ctx, func(a storage.Adapter) error {
				var err error
				hits, err = a.Search(ctx, storage.SearchParams{
					Query:     q.Text,
					ProjectID: r.scope.ProjectID,
					RunID:     r.scope.RunID,
					Limit:     overscan,
				})
				return err
			})
		})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	ranked := rerank(hits)
	contexts := applyBudget(ranked, maxResults, q.TokenBudget)

	return &protocol.RetrievalResult{
		Contexts:        contexts,
		TotalMatches:    len(hits),
		RetrievalTimeMs: elapsedMs(start, r.now()),
	}, nil
}

// rerank folds anchor priority into the backend's match×recency score
// and re-sorts. A frame pinned by a priority-10 anchor scores 1.5× an
// otherwise identical frame with none.
func rerank(hits []storage.SearchHit) []protocol.RetrievedContext {
	out := make([]protocol.RetrievedContext, 0, len(hits))
	for _, h := range hits {
		score := h.Score * (1 + float64(h.MaxAnchorPriority)/20)
		out = append(out, protocol.RetrievedContext{
			Frame:          h.Frame,
			RelevanceScore: score,
			MatchedExcerpt: h.Excerpt,
		})
	}

	// Stable so equal composite scores keep the backend's order, which
	// already prefers newer frames.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	return out
}

// applyBudget takes contexts in rank order until either the count cap or
// the token budget is hit. Contexts are whole: the first overflowing one
// is dropped and selection stops, so rank order is never reshuffled by
// size.
func applyBudget(ranked []protocol.RetrievedContext, maxResults, tokenBudget int) []protocol.RetrievedContext {
	out := make([]protocol.RetrievedContext, 0, maxResults)
	spent := 0
	for _, rc := range ranked {
		if len(out) == maxResults {
			break
		}
		cost := EstimateTokens(rc)
		if tokenBudget > 0 && spent+cost > tokenBudget {
			break
		}
		spent += cost
		out = append(out, rc)
	}
	return out
}

// EstimateTokens approximates the prompt cost of one context: about four
// characters per token over the rendered text, plus fixed framing
// overhead.
func EstimateTokens(rc protocol.RetrievedContext) int {
	chars := len(rc.Frame.Name) + len(rc.Frame.DigestText) + len(rc.MatchedExcerpt)
	return chars/4 + tokenOverheadPerContext
}

func elapsedMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
