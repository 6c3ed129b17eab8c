// Package memctx implements the context composer of spec.md §4.9: builds a
// ContextBundle for a query under a token budget by a tiered greedy fill
// over the four memory tiers, in priority order — working-memory matches,
// episode summaries, code-unit summaries by dependency distance, then
// applicable patterns. Grounded on the monitor's internal/memory review
// board, which ranks and admits candidates under a fixed capacity the same
// way (score, then admit while a running total stays under a ceiling), and
// on the codenerd example's context/tokens.go token-budget accounting.
package memctx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/procedural"
	"github.com/ry-ht/cogcore/internal/semantic"
	"github.com/ry-ht/cogcore/internal/workingmem"
)

// ItemKind identifies which memory tier a ContextBundle Item came from.
type ItemKind string

const (
	KindWorkingMemory ItemKind = "working_memory"
	KindEpisode       ItemKind = "episode"
	KindCodeUnit      ItemKind = "code_unit"
	KindPattern       ItemKind = "pattern"
)

// Item is one accepted entry in a ContextBundle, carrying its provenance
// and the token cost that was charged against the budget.
type Item struct {
	Kind         ItemKind
	ID           string
	Content      string
	ApproxTokens int
	Score        float64
}

// ContextBundle is the composed context returned for a query.
type ContextBundle struct {
	Items          []Item
	UsedTokens     int
	Available      int
	ResidualBudget int
}

// BuildRequest parameterizes one Build call.
type BuildRequest struct {
	WorkspaceID       ids.WorkspaceID
	Query             string
	QueryEmbedding    []float32
	MentionedPaths    []string // code-unit qualified paths named or implied by Query
	PatternContext    map[string]any
	PatternPredicates map[ids.PatternID]procedural.Predicate

	TotalBudget      int // B
	ReservedResponse int // R
}

// WorkingMemorySource is the subset of internal/workingmem.Store the
// composer scans for query matches.
type WorkingMemorySource interface {
	Items() []workingmem.Item
}

// EpisodeSource is the subset of internal/episodic.Store the composer
// ranks and loads episode content from.
type EpisodeSource interface {
	Search(ctx context.Context, workspaceID ids.WorkspaceID, query string, k int) ([]episodic.Scored, error)
	LoadFull(ctx context.Context, workspaceID ids.WorkspaceID, id ids.EpisodeID) (episodic.Episode, error)
}

// UnitGraph is the subset of internal/semantic.Graph the composer walks to
// find code units by dependency distance from mentioned entities.
type UnitGraph interface {
	FindUnitByPath(ctx context.Context, workspaceID ids.WorkspaceID, qualifiedPath string) (semantic.Unit, error)
	Neighbors(ctx context.Context, workspaceID ids.WorkspaceID, unit ids.UnitID, dir semantic.Direction) ([]semantic.Summary, error)
	GetUnit(ctx context.Context, workspaceID ids.WorkspaceID, id ids.UnitID) (semantic.Unit, error)
}

// PatternSource is the subset of internal/procedural.Store the composer
// matches applicable patterns from.
type PatternSource interface {
	Match(ctx context.Context, workspaceID string, fingerprint []float32, fnContext map[string]any, predicates map[ids.PatternID]procedural.Predicate, k int) ([]procedural.Pattern, error)
}

// Config tunes how many candidates each tier considers before the greedy
// fill, and how far the code-unit tier walks the dependency graph.
type Config struct {
	WorkingMemoryK int
	EpisodeK       int
	UnitMaxHops    int
	PatternK       int
}

func (c Config) withDefaults() Config {
	if c.WorkingMemoryK <= 0 {
		c.WorkingMemoryK = 10
	}
	if c.EpisodeK <= 0 {
		c.EpisodeK = 10
	}
	if c.UnitMaxHops <= 0 {
		c.UnitMaxHops = 2
	}
	if c.PatternK <= 0 {
		c.PatternK = 5
	}
	return c
}

// Composer builds ContextBundles from the four memory tiers under a token
// budget.
type Composer struct {
	working  WorkingMemorySource
	episodes EpisodeSource
	graph    UnitGraph
	patterns PatternSource
	counter  TokenCounter
	cfg      Config
}

// New builds a Composer. counter must not be nil; use NewHeuristicCounter
// for a dependency-free default.
func New(working WorkingMemorySource, episodes EpisodeSource, graph UnitGraph, patterns PatternSource, counter TokenCounter, cfg Config) *Composer {
	return &Composer{
		working:  working,
		episodes: episodes,
		graph:    graph,
		patterns: patterns,
		counter:  counter,
		cfg:      cfg.withDefaults(),
	}
}

type candidate struct {
	tier int // priority order: lower fills first
	rank float64
	item Item
}

// Build composes a ContextBundle for req, filling tiers in priority order
// (working memory, episodes, code units, patterns) and, within a tier, in
// descending rank order. A candidate that doesn't fit the remaining budget
// is skipped, not treated as a stop signal — later, smaller candidates in
// the same or a lower-priority tier may still fit.
func (c *Composer) Build(ctx context.Context, req BuildRequest) (ContextBundle, error) {
	available := req.TotalBudget - req.ReservedResponse - c.counter.Count(req.Query)
	if available < 0 {
		available = 0
	}

	var candidates []candidate

	for _, cand := range c.workingMemoryCandidates(req.Query) {
		candidates = append(candidates, cand)
	}

	episodeCands, err := c.episodeCandidates(ctx, req)
	if err != nil {
		return ContextBundle{}, fmt.Errorf("memctx episode candidates: %w", err)
	}
	candidates = append(candidates, episodeCands...)

	unitCands, err := c.unitCandidates(ctx, req)
	if err != nil {
		return ContextBundle{}, fmt.Errorf("memctx unit candidates: %w", err)
	}
	candidates = append(candidates, unitCands...)

	patternCands, err := c.patternCandidates(ctx, req)
	if err != nil {
		return ContextBundle{}, fmt.Errorf("memctx pattern candidates: %w", err)
	}
	candidates = append(candidates, patternCands...)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier < candidates[j].tier
		}
		return candidates[i].rank > candidates[j].rank
	})

	bundle := ContextBundle{Available: available}
	for _, cand := range candidates {
		if bundle.UsedTokens+cand.item.ApproxTokens > available {
			continue
		}
		bundle.Items = append(bundle.Items, cand.item)
		bundle.UsedTokens += cand.item.ApproxTokens
	}
	bundle.ResidualBudget = available - bundle.UsedTokens
	return bundle, nil
}

func (c *Composer) workingMemoryCandidates(query string) []candidate {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	items := c.working.Items()
	out := make([]candidate, 0, len(items))
	for _, it := range items {
		text := string(it.Value)
		score := keywordOverlap(terms, text)
		if score <= 0 {
			continue
		}
		out = append(out, candidate{
			tier: 0,
			rank: score,
			item: Item{Kind: KindWorkingMemory, ID: it.Key, Content: text, ApproxTokens: c.counter.Count(text), Score: score},
		})
	}
	return out
}

func (c *Composer) episodeCandidates(ctx context.Context, req BuildRequest) ([]candidate, error) {
	scored, err := c.episodes.Search(ctx, req.WorkspaceID, req.Query, c.cfg.EpisodeK)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(scored))
	for _, s := range scored {
		full, err := c.episodes.LoadFull(ctx, req.WorkspaceID, s.ID)
		if err != nil {
			continue
		}
		content := episodeContent(full)
		out = append(out, candidate{
			tier: 1,
			rank: s.Score,
			item: Item{Kind: KindEpisode, ID: string(s.ID), Content: content, ApproxTokens: c.counter.Count(content), Score: s.Score},
		})
	}
	return out, nil
}

func episodeContent(ep episodic.Episode) string {
	var b strings.Builder
	b.WriteString(ep.Summary)
	for _, l := range ep.Lessons {
		b.WriteString("\n- ")
		b.WriteString(l)
	}
	return b.String()
}

// unitCandidates walks the dependency graph outward from every entity
// mentioned in the request, up to Config.UnitMaxHops, ranking by ascending
// distance (closer units rank higher) and deduplicating units reached from
// more than one mentioned entity at their shortest distance.
func (c *Composer) unitCandidates(ctx context.Context, req BuildRequest) ([]candidate, error) {
	if len(req.MentionedPaths) == 0 {
		return nil, nil
	}
	distance := make(map[ids.UnitID]int)
	var frontier []ids.UnitID
	for _, path := range req.MentionedPaths {
		u, err := c.graph.FindUnitByPath(ctx, req.WorkspaceID, path)
		if err != nil {
			continue
		}
		if _, seen := distance[u.ID]; !seen {
			distance[u.ID] = 0
			frontier = append(frontier, u.ID)
		}
	}

	for hop := 1; hop <= c.cfg.UnitMaxHops && len(frontier) > 0; hop++ {
		var next []ids.UnitID
		for _, id := range frontier {
			for _, dir := range []semantic.Direction{semantic.Outgoing, semantic.Incoming} {
				neighbors, err := c.graph.Neighbors(ctx, req.WorkspaceID, id, dir)
				if err != nil {
					continue
				}
				for _, n := range neighbors {
					if _, seen := distance[n.ID]; seen {
						continue
					}
					distance[n.ID] = hop
					next = append(next, n.ID)
				}
			}
		}
		frontier = next
	}

	out := make([]candidate, 0, len(distance))
	for id, dist := range distance {
		u, err := c.graph.GetUnit(ctx, req.WorkspaceID, id)
		if err != nil {
			continue
		}
		content := unitContent(u)
		out = append(out, candidate{
			tier: 2,
			rank: -float64(dist), // closer (smaller dist) ranks higher
			item: Item{Kind: KindCodeUnit, ID: string(u.ID), Content: content, ApproxTokens: c.counter.Count(content), Score: -float64(dist)},
		})
	}
	return out, nil
}

func unitContent(u semantic.Unit) string {
	if u.Signature != "" {
		return fmt.Sprintf("%s %s\n%s", u.Kind, u.QualifiedPath, u.Signature)
	}
	return fmt.Sprintf("%s %s", u.Kind, u.QualifiedPath)
}

func (c *Composer) patternCandidates(ctx context.Context, req BuildRequest) ([]candidate, error) {
	patterns, err := c.patterns.Match(ctx, string(req.WorkspaceID), req.QueryEmbedding, req.PatternContext, req.PatternPredicates, c.cfg.PatternK)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(patterns))
	for _, p := range patterns {
		content := patternContent(p)
		out = append(out, candidate{
			tier: 3,
			rank: p.SuccessRate(),
			item: Item{Kind: KindPattern, ID: string(p.ID), Content: content, ApproxTokens: c.counter.Count(content), Score: p.SuccessRate()},
		})
	}
	return out, nil
}

func patternContent(p procedural.Pattern) string {
	return fmt.Sprintf("pattern %s (%s): %v", p.ID, p.Category, map[string]any(p.Action))
}

func tokenize(text string) map[string]int {
	terms := make(map[string]int)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		terms[field]++
	}
	return terms
}

func keywordOverlap(queryTerms map[string]int, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := tokenize(text)
	if len(textTerms) == 0 {
		return 0
	}
	var hits int
	for term := range queryTerms {
		if _, ok := textTerms[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}
