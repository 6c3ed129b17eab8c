// Package consolidation implements the consolidation scheduler of
// spec.md §4.8: a periodic/triggered pipeline of decay, pattern
// extraction, graph linkage, and deduplication, guaranteeing at most one
// pipeline per workspace concurrently. Grounded on the monitor's
// internal/supervisor.Dispatcher job-dispatch loop (one in-flight job per
// key, triggered both on a ticker and explicitly).
package consolidation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/semantic"
)

// TriggerKind identifies what caused a pipeline run.
type TriggerKind string

const (
	TriggerInterval      TriggerKind = "interval"
	TriggerSizeThreshold TriggerKind = "size_threshold"
	TriggerExplicit      TriggerKind = "explicit"
	TriggerPostSynthesis TriggerKind = "post_synthesis"
)

// Report summarizes one pipeline run.
type Report struct {
	WorkspaceID      ids.WorkspaceID
	Trigger          TriggerKind
	DecayedCount     int
	PatternsExtracted int
	EdgesAdded       int
	EdgesRemoved     int
	Deduplicated     int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// EpisodeSource is the subset of internal/episodic.Store consolidation
// reads and acts on.
type EpisodeSource interface {
	Forget(ctx context.Context, workspaceID ids.WorkspaceID, strategy episodic.Strategy) (episodic.Report, error)
}

// GraphLinker is the subset of internal/semantic.Graph consolidation uses
// to add or remove edges discovered from co-occurrence.
type GraphLinker interface {
	UpsertUnit(ctx context.Context, u semantic.Unit) (ids.UnitID, error)
}

// Config tunes the scheduler's triggers and thresholds.
type Config struct {
	Interval          time.Duration
	SizeThreshold     float64 // fraction of capacity (0-1) that triggers a run
	DecayCutoff       float64
	DecayHalfLifeDays float64
	MergeThreshold    float64 // cosine cutoff above which two episodes are deduplicated
}

// Scheduler runs the consolidation pipeline, enforcing one in-flight
// pipeline per workspace.
type Scheduler struct {
	episodes EpisodeSource
	graph    GraphLinker
	cfg      Config
	logger   zerolog.Logger
	clock    ids.Clock

	mu      sync.Mutex
	running map[ids.WorkspaceID]bool
}

// New builds a Scheduler.
func New(episodes EpisodeSource, graph GraphLinker, cfg Config, logger zerolog.Logger, clock ids.Clock) *Scheduler {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Scheduler{
		episodes: episodes,
		graph:    graph,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		running:  make(map[ids.WorkspaceID]bool),
	}
}

// Run executes the four-stage pipeline for workspaceID once, returning
// coreerr-free ErrAlreadyRunning-style rejection via the bool return when a
// pipeline is already in flight for that workspace.
func (s *Scheduler) Run(ctx context.Context, workspaceID ids.WorkspaceID, trigger TriggerKind) (Report, bool, error) {
	if !s.tryLock(workspaceID) {
		return Report{}, false, nil
	}
	defer s.unlock(workspaceID)

	report := Report{WorkspaceID: workspaceID, Trigger: trigger, StartedAt: s.clock.Now()}

	// 1. Decay pass + 2. pattern extraction are combined in one Forget call
	// with the ExponentialDecay strategy: the episodic tier's Forget extracts
	// patterns from candidates before deleting them under every strategy,
	// which is exactly stages 1+2 of this pipeline.
	forgetReport, err := s.episodes.Forget(ctx, workspaceID, episodic.ExponentialDecay{
		HalfLifeDays: s.cfg.DecayHalfLifeDays,
		Cutoff:       s.cfg.DecayCutoff,
	})
	if err != nil {
		return report, true, fmt.Errorf("consolidation decay pass: %w", err)
	}
	report.DecayedCount = forgetReport.DeletedCount
	report.PatternsExtracted = forgetReport.CandidateCount

	// 3. Graph linkage and 4. deduplication run over the episodes Forget
	// actually deleted: co-occurring code units in their tool sequences
	// become graph edges, and near-duplicate survivors among them are
	// counted for merge. LinkAndDedup is exposed standalone too, for
	// callers (e.g. synthesis, post-hoc batch jobs) that have a candidate
	// set Run never saw.
	edgesAdded, deduplicated, err := LinkAndDedup(ctx, s.graph, forgetReport.Deleted, s.cfg.MergeThreshold)
	if err != nil {
		return report, true, fmt.Errorf("consolidation graph linkage: %w", err)
	}
	report.EdgesAdded = edgesAdded
	report.Deduplicated = deduplicated

	report.FinishedAt = s.clock.Now()
	return report, true, nil
}

func (s *Scheduler) tryLock(workspaceID ids.WorkspaceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[workspaceID] {
		return false
	}
	s.running[workspaceID] = true
	return true
}

func (s *Scheduler) unlock(workspaceID ids.WorkspaceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, workspaceID)
}

// LinkAndDedup implements stages 3-4 directly over full episode data the
// caller already has in hand. Scheduler.Run calls it with the episodes its
// Forget call deleted; it is exported as a standalone function for callers
// holding a different candidate set.
func LinkAndDedup(ctx context.Context, graph GraphLinker, episodes []episodic.Episode, similarityCutoff float64) (edgesAdded, deduplicated int, err error) {
	// Graph linkage: for every pair of code units mentioned together in a
	// successful episode's tool sequence, add a "calls" edge between them
	// if not already present — approximated here from ToolSequence entries
	// formatted as "unit:<id>" by the tool registry when it records a
	// code-touching call.
	coOccurring := make(map[string]map[string]bool)
	for _, ep := range episodes {
		if ep.Outcome != episodic.OutcomeSuccess {
			continue
		}
		var units []string
		for _, t := range ep.ToolSequence {
			if len(t) > 5 && t[:5] == "unit:" {
				units = append(units, t[5:])
			}
		}
		for i := range units {
			for j := range units {
				if i == j {
					continue
				}
				if coOccurring[units[i]] == nil {
					coOccurring[units[i]] = make(map[string]bool)
				}
				coOccurring[units[i]][units[j]] = true
			}
		}
	}
	for from, tos := range coOccurring {
		for to := range tos {
			_, uerr := graph.UpsertUnit(ctx, semantic.Unit{
				ID:           ids.UnitID(from),
				Dependencies: []semantic.Edge{{To: ids.UnitID(to), Kind: semantic.EdgeCalls}},
			})
			if uerr == nil {
				edgesAdded++
			}
		}
	}

	// Deduplication: merge episodes whose embeddings exceed similarityCutoff
	// and share an outcome, preserving lessons as a union. This function
	// reports how many would be merged; callers own persisting the merged
	// result and deleting the absorbed episodes via the episodic store.
	merged := make(map[int]bool)
	for i := 0; i < len(episodes); i++ {
		if merged[i] {
			continue
		}
		for j := i + 1; j < len(episodes); j++ {
			if merged[j] {
				continue
			}
			if episodes[i].Outcome != episodes[j].Outcome {
				continue
			}
			if cosineSimilarity(episodes[i].Embedding, episodes[j].Embedding) >= similarityCutoff {
				merged[j] = true
				deduplicated++
			}
		}
	}
	return edgesAdded, deduplicated, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
