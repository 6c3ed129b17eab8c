package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// FindBest scores every strategy in workspaceID against query by keyword
// overlap, boosted by success rate once a strategy has been applied at
// least minApplications times (an unproven strategy's score is left
// unboosted so a single lucky early success can't dominate the ranking).
// Ties are broken by most recent success. New always seeds the built-in
// archetypes for a fresh workspace, so an empty result here means the
// caller passed a workspace id the library was never initialized for.
func (l *Library) FindBest(ctx context.Context, workspaceID, query string) (Strategy, error) {
	candidates, err := l.all(ctx, workspaceID)
	if err != nil {
		return Strategy{}, err
	}
	if len(candidates) == 0 {
		return Strategy{}, fmt.Errorf("strategy: find_best: no strategies registered: %w", coreerr.ErrNotFound)
	}

	queryWords := wordSet(query)

	var best Strategy
	bestScore := -1.0
	for _, s := range candidates {
		score := keywordOverlap(queryWords, s.PatternKeywords)
		if s.TimesApplied >= l.minApplications {
			score *= 1 + s.SuccessRate()
		}
		if score > bestScore {
			best, bestScore = s, score
			continue
		}
		if score == bestScore && s.LastSuccessAt.After(best.LastSuccessAt) {
			best = s
		}
	}
	return best, nil
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,?!")] = struct{}{}
	}
	return set
}

// keywordOverlap counts how many of a strategy's declared keywords appear
// in the query's word set.
func keywordOverlap(queryWords map[string]struct{}, keywords []string) float64 {
	count := 0.0
	for _, kw := range keywords {
		if _, ok := queryWords[strings.ToLower(kw)]; ok {
			count++
		}
	}
	return count
}
