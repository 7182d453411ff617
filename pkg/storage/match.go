package storage

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"stackmem/pkg/protocol"
)

// Keyword scoring shared by the backends that cannot rank in the engine
// (redis, cache, object store). SQLite ranks with FTS5 BM25 instead, with
// the same name-over-digest weighting and recency half-life.

// nameWeight makes a hit in the frame name count double a hit in the
// digest, so a frame matching in both always outranks a digest-only match.
const nameWeight = 2.0

// recencyHalfLife is the age at which the recency factor halves.
const recencyHalfLife = 30 * 24 * time.Hour

// recencyFloor keeps old-but-matching frames retrievable: the recency
// factor decays toward 0.25, never to zero.
const recencyFloor = 0.25

// Terms splits a query into lowercase alphanumeric tokens.
func Terms(query string) []string {
	lower := strings.ToLower(query)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchStrength counts query-term occurrences in name and digest,
// weighting name hits by nameWeight. Returns 0 when no term matches.
func MatchStrength(terms []string, name, digestText string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lowerName := strings.ToLower(name)
	lowerDigest := strings.ToLower(digestText)

	var strength float64
	for _, term := range terms {
		strength += nameWeight * float64(strings.Count(lowerName, term))
		strength += float64(strings.Count(lowerDigest, term))
	}
	return strength
}

// RecencyFactor decays from 1.0 toward recencyFloor with a 30-day
// half-life, so fresher frames rank higher at equal match strength.
func RecencyFactor(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	halfLives := float64(age) / float64(recencyHalfLife)
	return recencyFloor + (1-recencyFloor)*math.Pow(0.5, halfLives)
}

// ScoreFrame computes the keyword x recency score for one frame.
// Returns 0 when no term matches.
func ScoreFrame(terms []string, frame *protocol.Frame, now time.Time) float64 {
	strength := MatchStrength(terms, frame.Name, frame.DigestText)
	if strength == 0 {
		return 0
	}
	return strength * RecencyFactor(frame.CreatedAt, now)
}

// Excerpt returns a window of text centered on the first term occurrence,
// trimmed to width runes. Falls back to the text head when nothing
// matches.
func Excerpt(text string, terms []string, width int) string {
	if text == "" || width <= 0 {
		return ""
	}
	lower := strings.ToLower(text)

	pos := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		pos = 0
	}

	runes := []rune(text)
	// pos is a byte offset; convert to a rune offset.
	runePos := len([]rune(text[:pos]))

	start := runePos - width/4
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}

	excerpt := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		excerpt = "…" + excerpt
	}
	if end < len(runes) {
		excerpt += "…"
	}
	return excerpt
}

// rankFrames scores the candidates against the query and returns hits
// ordered by descending score, capped at limit. Used by the backends
// without a native ranking engine.
func rankFrames(frames []protocol.Frame, params SearchParams, now time.Time) []SearchHit {
	terms := Terms(params.Query)
	if len(terms) == 0 {
		return nil
	}

	var hits []SearchHit
	for i := range frames {
		f := frames[i]
		if params.ProjectID != "" && f.ProjectID != params.ProjectID {
			continue
		}
		if params.RunID != "" && f.RunID != params.RunID {
			continue
		}
		score := ScoreFrame(terms, &f, now)
		if score == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			Frame:   f,
			Score:   score,
			Excerpt: Excerpt(f.DigestText, terms, 160),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		// Equal scores: newer frame first for a deterministic order.
		return hits[i].Frame.CreatedAt.After(hits[j].Frame.CreatedAt)
	})

	if params.Limit > 0 && len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}
	return hits
}

// maxAnchorPriority returns the highest priority among anchors, 0 when
// the slice is empty.
func maxAnchorPriority(anchors []protocol.Anchor) int {
	max := 0
	for _, a := range anchors {
		if a.Priority > max {
			max = a.Priority
		}
	}
	return max
}
