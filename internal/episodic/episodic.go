// Package episodic implements the episodic-memory tier of spec.md §4.5:
// append-with-importance, summaries-first retrieval, hybrid search ranking,
// and pattern-extracting forgetting strategies. Grounded on the monitor's
// internal/memory layered store (hot/warm/cold sync, markdown summaries)
// generalized from file-backed layers to a storage.Gateway-backed document
// collection plus a vector index, and on internal/tasks.TaskStatus for the
// Outcome enum's state-machine flavor.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

// collection is the storage.DocumentStore collection name episodes live in.
const collection = "episode"

// Outcome is the terminal state of the task an episode records.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
)

func (o Outcome) weight() float64 {
	switch o {
	case OutcomeSuccess:
		return 1.0
	case OutcomePartial:
		return 0.7
	case OutcomeFailure:
		return 0.4
	case OutcomeAbandoned:
		return 0.1
	default:
		return 0.1
	}
}

// Episode is one completed or abandoned task record.
type Episode struct {
	ID             ids.EpisodeID
	WorkspaceID    ids.WorkspaceID
	Outcome        Outcome
	Summary        string
	Lessons        []string
	ToolSequence   []string
	TokensUsed     int
	TokensBudget   int
	Importance     float64
	CreatedAt      time.Time
	Embedding      []float32
}

// Summary is the lightweight projection retrieve_summaries returns: enough
// to rank without paying for the full record.
type Summary struct {
	ID         ids.EpisodeID
	Outcome    Outcome
	Importance float64
	CreatedAt  time.Time
	Embedding  []float32
}

// Scored pairs a Summary with its hybrid rank score.
type Scored struct {
	Summary
	Score float64
}

// Embedder is the subset of internal/embedding.Chain episodic needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PatternExtractor is implemented by internal/procedural: every forgetting
// strategy must extract patterns from candidates before they are deleted.
type PatternExtractor interface {
	ExtractPatterns(ctx context.Context, episodes []Episode) error
}

// noopExtractor satisfies PatternExtractor when no procedural-memory wiring
// is configured yet (e.g. in isolated tests of this package).
type noopExtractor struct{}

func (noopExtractor) ExtractPatterns(context.Context, []Episode) error { return nil }

// Strategy selects which episodes a Forget pass should remove, given all
// currently stored episodes.
type Strategy interface {
	Select(now time.Time, episodes []Episode) []Episode
	Name() string
}

// ExponentialDecay selects episodes whose decayed importance has fallen
// below cutoff, per §4.5's decay formula.
type ExponentialDecay struct {
	HalfLifeDays float64
	Cutoff       float64
}

func (s ExponentialDecay) Name() string { return "exponential_decay" }
func (s ExponentialDecay) Select(now time.Time, episodes []Episode) []Episode {
	var out []Episode
	for _, ep := range episodes {
		if DecayedImportance(ep, now, s.HalfLifeDays) < s.Cutoff {
			out = append(out, ep)
		}
	}
	return out
}

// SpacedRepetition selects episodes older than BaseInterval that have not
// been reinforced, approximated here as age exceeding the interval with no
// access tracking in this tier (access happens via RetrieveSummaries, which
// this package does not currently record per-episode — a documented
// simplification since working memory, not episodic memory, owns access
// bookkeeping in this design).
type SpacedRepetition struct {
	BaseInterval time.Duration
}

func (s SpacedRepetition) Name() string { return "spaced_repetition" }
func (s SpacedRepetition) Select(now time.Time, episodes []Episode) []Episode {
	var out []Episode
	for _, ep := range episodes {
		if now.Sub(ep.CreatedAt) > s.BaseInterval {
			out = append(out, ep)
		}
	}
	return out
}

// Consolidation selects episodes whose importance falls below MergeThreshold,
// marking them as candidates for the consolidation scheduler's dedup pass
// rather than outright deletion of distinct memories.
type Consolidation struct {
	MergeThreshold float64
}

func (s Consolidation) Name() string { return "consolidation" }
func (s Consolidation) Select(now time.Time, episodes []Episode) []Episode {
	var out []Episode
	for _, ep := range episodes {
		if ep.Importance < s.MergeThreshold {
			out = append(out, ep)
		}
	}
	return out
}

// ThresholdWithExtraction selects episodes whose importance is below Score.
// Extract is informational for callers (the pipeline always extracts
// patterns regardless, per §4.5's "every strategy extracts patterns from
// candidates before deletion"); it exists so callers can distinguish a
// threshold pass that is purely archival from one that feeds procedural
// memory more aggressively upstream.
type ThresholdWithExtraction struct {
	Score   float64
	Extract bool
}

func (s ThresholdWithExtraction) Name() string { return "threshold_with_extraction" }
func (s ThresholdWithExtraction) Select(now time.Time, episodes []Episode) []Episode {
	var out []Episode
	for _, ep := range episodes {
		if ep.Importance < s.Score {
			out = append(out, ep)
		}
	}
	return out
}

// Report summarizes the effect of a Forget pass. Deleted carries the full
// records of every episode actually removed, so callers (the consolidation
// scheduler's graph-linkage and deduplication stages) can act on them
// without a second read pass.
type Report struct {
	Strategy       string
	CandidateCount int
	DeletedCount   int
	ReclaimedBytes int64
	Deleted        []Episode
}

// Store is the episodic-memory tier: a storage.Gateway-backed document
// collection plus a vector index for similarity search.
type Store struct {
	gateway   *storage.Gateway
	vectors   storage.VectorStore
	embedder  Embedder
	extractor PatternExtractor
	clock     ids.Clock
	logger    zerolog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithPatternExtractor wires the consolidation-time pattern extractor used
// by Forget. Defaults to a no-op.
func WithPatternExtractor(e PatternExtractor) Option {
	return func(s *Store) { s.extractor = e }
}

// WithClock overrides the store's clock, for deterministic tests.
func WithClock(c ids.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New builds an episodic Store.
func New(gateway *storage.Gateway, vectors storage.VectorStore, embedder Embedder, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		gateway:   gateway,
		vectors:   vectors,
		embedder:  embedder,
		extractor: noopExtractor{},
		clock:     ids.SystemClock{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Importance computes §4.5's importance formula from an episode's recorded
// outcome, lessons, and token efficiency.
func Importance(ep Episode) float64 {
	efficiency := 1.0
	if ep.TokensBudget > 0 {
		efficiency = 1.0 - float64(ep.TokensUsed)/float64(ep.TokensBudget)
		if efficiency < 0 {
			efficiency = 0
		}
		if efficiency > 1 {
			efficiency = 1
		}
	}
	lessonsWeight := 1 + 0.1*float64(len(ep.Lessons))
	importance := ep.Outcome.weight() * lessonsWeight * efficiency
	if importance < 0 {
		return 0
	}
	if importance > 1.5 {
		return 1.5
	}
	return importance
}

// DecayedImportance applies §4.5's exponential-decay formula for selection
// purposes only; it never mutates the stored base importance.
func DecayedImportance(ep Episode, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return ep.Importance
	}
	ageDays := now.Sub(ep.CreatedAt).Hours() / 24
	return ep.Importance * math.Exp(-ageDays/halfLifeDays)
}

// Store persists ep: assigns an id if absent, computes importance, writes
// the full record, and enqueues an embedding job. The embedding job runs
// synchronously in this implementation (no background job queue), which
// the caller can push to a goroutine if fire-and-forget semantics are
// wanted. A failed embed or vector upsert is logged as a warning and does
// not fail the call: the episode stays stored without a vector.
func (s *Store) Store(ctx context.Context, ep Episode) (ids.EpisodeID, error) {
	if ep.ID == "" {
		ep.ID = ids.NewEpisodeID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.clock.Now()
	}
	ep.Importance = Importance(ep)

	payload, err := json.Marshal(ep)
	if err != nil {
		return "", fmt.Errorf("marshal episode: %w", err)
	}
	_, err = s.gateway.Upsert(ctx, storage.Record{
		Collection:  collection,
		ID:          string(ep.ID),
		WorkspaceID: string(ep.WorkspaceID),
		Payload:     payload,
	})
	if err != nil {
		return "", fmt.Errorf("persist episode: %w", err)
	}

	if s.embedder != nil && s.vectors != nil {
		vec, err := s.embedder.Embed(ctx, ep.Summary)
		if err != nil {
			s.logger.Warn().Str("episode", string(ep.ID)).Err(err).Msg("embedding job failed")
		} else {
			err = s.vectors.Upsert(ctx, collection, []storage.Vector{{
				ID:          string(ep.ID),
				WorkspaceID: string(ep.WorkspaceID),
				Values:      vec,
				Payload:     map[string]any{"outcome": string(ep.Outcome)},
			}})
			if err != nil {
				s.logger.Warn().Str("episode", string(ep.ID)).Err(err).Msg("vector upsert failed")
			}
		}
	}
	return ep.ID, nil
}

// LoadFull fetches the complete record for id.
func (s *Store) LoadFull(ctx context.Context, workspaceID ids.WorkspaceID, id ids.EpisodeID) (Episode, error) {
	rec, err := s.gateway.Get(ctx, collection, string(workspaceID), string(id))
	if err != nil {
		return Episode{}, err
	}
	var ep Episode
	if err := json.Unmarshal(rec.Payload, &ep); err != nil {
		return Episode{}, fmt.Errorf("unmarshal episode: %w", err)
	}
	return ep, nil
}

// RetrieveSummaries returns the k episodes closest to query by cosine
// similarity alone, as lightweight projections for a caller to rank or
// page through before paying for LoadFull.
func (s *Store) RetrieveSummaries(ctx context.Context, workspaceID ids.WorkspaceID, query string, k int) ([]Summary, error) {
	if s.embedder == nil || s.vectors == nil {
		return nil, coreerr.ErrNoProvider
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.vectors.Search(ctx, collection, qvec, k, nil)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	out := make([]Summary, 0, len(results))
	for _, r := range results {
		if workspaceID != "" && r.WorkspaceID != string(workspaceID) {
			continue
		}
		ep, err := s.LoadFull(ctx, ids.WorkspaceID(r.WorkspaceID), ids.EpisodeID(r.ID))
		if err != nil {
			continue
		}
		out = append(out, Summary{ID: ep.ID, Outcome: ep.Outcome, Importance: ep.Importance, CreatedAt: ep.CreatedAt, Embedding: r.Values})
	}
	return out, nil
}

// Search ranks episodes by §4.5's hybrid formula: 0.7 cosine + 0.2 keyword
// overlap + 0.05 recency + 0.05 importance. It widens the initial vector
// candidate set (4x k) so re-ranking by the other three signals has room to
// reorder within it.
func (s *Store) Search(ctx context.Context, workspaceID ids.WorkspaceID, query string, k int) ([]Scored, error) {
	if s.embedder == nil || s.vectors == nil {
		return nil, coreerr.ErrNoProvider
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidateK := k * 4
	if candidateK < k {
		candidateK = k
	}
	results, err := s.vectors.Search(ctx, collection, qvec, candidateK, nil)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}

	now := s.clock.Now()
	queryTerms := tokenize(query)

	scored := make([]Scored, 0, len(results))
	for _, r := range results {
		if workspaceID != "" && r.WorkspaceID != string(workspaceID) {
			continue
		}
		ep, err := s.LoadFull(ctx, ids.WorkspaceID(r.WorkspaceID), ids.EpisodeID(r.ID))
		if err != nil {
			continue
		}
		keyword := keywordOverlap(queryTerms, ep.Summary)
		recency := recencyScore(ep.CreatedAt, now)
		score := 0.7*r.Score + 0.2*keyword + 0.05*recency + 0.05*ep.Importance
		scored = append(scored, Scored{
			Summary: Summary{ID: ep.ID, Outcome: ep.Outcome, Importance: ep.Importance, CreatedAt: ep.CreatedAt, Embedding: r.Values},
			Score:   score,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Forget runs strategy over all stored episodes in workspaceID, extracting
// patterns from every candidate before deleting it, cascading the deletion
// to the vector index, and returning a report.
func (s *Store) Forget(ctx context.Context, workspaceID ids.WorkspaceID, strategy Strategy) (Report, error) {
	recs, err := s.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: string(workspaceID)})
	if err != nil {
		return Report{}, fmt.Errorf("list episodes: %w", err)
	}
	episodes := make([]Episode, 0, len(recs))
	for _, rec := range recs {
		var ep Episode
		if err := json.Unmarshal(rec.Payload, &ep); err != nil {
			continue
		}
		episodes = append(episodes, ep)
	}

	candidates := strategy.Select(s.clock.Now(), episodes)
	report := Report{Strategy: strategy.Name(), CandidateCount: len(candidates)}
	if len(candidates) == 0 {
		return report, nil
	}

	if err := s.extractor.ExtractPatterns(ctx, candidates); err != nil {
		return report, fmt.Errorf("extract patterns before forgetting: %w", err)
	}

	for _, ep := range candidates {
		payload, _ := json.Marshal(ep)
		if err := s.gateway.Delete(ctx, collection, string(ep.WorkspaceID), string(ep.ID)); err != nil {
			continue
		}
		if s.vectors != nil {
			_ = s.vectors.Delete(ctx, collection, string(ep.WorkspaceID), string(ep.ID))
		}
		report.DeletedCount++
		report.ReclaimedBytes += int64(len(payload))
		report.Deleted = append(report.Deleted, ep)
	}
	return report, nil
}

func tokenize(text string) map[string]int {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		counts[w]++
	}
	return counts
}

// keywordOverlap computes length-normalized term-frequency overlap between
// queryTerms and text, per §4.5.
func keywordOverlap(queryTerms map[string]int, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := tokenize(text)
	if len(textTerms) == 0 {
		return 0
	}
	var overlap int
	for term, qCount := range queryTerms {
		if tCount, ok := textTerms[term]; ok {
			if qCount < tCount {
				overlap += qCount
			} else {
				overlap += tCount
			}
		}
	}
	return float64(overlap) / math.Sqrt(float64(len(queryTerms)*len(textTerms)))
}

func recencyScore(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1.0 / (1.0 + ageDays)
}
