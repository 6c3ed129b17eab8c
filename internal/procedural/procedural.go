// Package procedural implements the procedural-memory tier of spec.md
// §4.7: patterns matched by cosine similarity and applicability predicates,
// success/failure tracking with Welford's running-average improvement,
// versioning with supersession, and conflict detection. Grounded on the
// monitor's internal/supervisor dispatcher's statistics bookkeeping style
// (counters updated on every dispatch outcome) and the same
// storage.Gateway persistence used by internal/episodic and
// internal/semantic.
package procedural

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const collection = "pattern"

// ActionSpec is the structured action a pattern prescribes; its hash
// determines whether a change to a pattern constitutes a new version.
type ActionSpec map[string]any

func (a ActionSpec) hash() string {
	data, _ := json.Marshal(a)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Predicate is a declared applicability check over a context fingerprint's
// structured fields, independent of the cosine similarity match.
type Predicate func(context map[string]any) bool

// Pattern is a procedural-memory entry.
type Pattern struct {
	ID                ids.PatternID
	Category          string
	ContextFingerprint []float32
	TriggerSignature  string
	Action            ActionSpec
	ActionHash        string
	SuccessCount      int
	FailureCount      int
	AvgImprovement    float64
	ImprovementCount  int // Welford's running-average sample count
	Version           int
	Predecessor       ids.PatternID
	Active            bool
	ConflictsWith     []ids.PatternID
	Prerequisites     []ids.PatternID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SuccessRate returns success / (success+failure), or 0 with no applications.
func (p Pattern) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// Store is the procedural-memory tier.
type Store struct {
	gateway *storage.Gateway
	clock   ids.Clock
}

// New builds a procedural Store.
func New(gateway *storage.Gateway, clock ids.Clock) *Store {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Store{gateway: gateway, clock: clock}
}

// Upsert inserts a pattern, or — if action changed meaningfully from an
// existing pattern sharing its id — creates a new version that supersedes
// it, per §4.7's "a pattern is versioned when its action specification
// changes meaningfully (hash of structured action)."
func (s *Store) Upsert(ctx context.Context, workspaceID string, p Pattern) (Pattern, error) {
	newHash := p.Action.hash()

	if p.ID != "" {
		existing, err := s.get(ctx, workspaceID, p.ID)
		if err == nil && existing.ActionHash != newHash {
			return s.supersede(ctx, workspaceID, existing, p)
		}
		if err == nil {
			p.Version = existing.Version
			p.CreatedAt = existing.CreatedAt
		}
	}
	if p.ID == "" {
		p.ID = ids.NewPatternID()
		p.Version = 1
		p.Active = true
		p.CreatedAt = s.clock.Now()
	}
	p.ActionHash = newHash
	p.UpdatedAt = s.clock.Now()
	if err := s.persist(ctx, workspaceID, p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

func (s *Store) supersede(ctx context.Context, workspaceID string, old, next Pattern) (Pattern, error) {
	old.Active = false
	old.UpdatedAt = s.clock.Now()
	if err := s.persist(ctx, workspaceID, old); err != nil {
		return Pattern{}, err
	}

	next.ID = ids.NewPatternID()
	next.Version = old.Version + 1
	next.Predecessor = old.ID
	next.Active = true
	next.ActionHash = next.Action.hash()
	next.CreatedAt = s.clock.Now()
	next.UpdatedAt = next.CreatedAt
	if err := s.persist(ctx, workspaceID, next); err != nil {
		return Pattern{}, err
	}
	return next, nil
}

func (s *Store) persist(ctx context.Context, workspaceID string, p Pattern) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	_, err = s.gateway.Upsert(ctx, storage.Record{Collection: collection, ID: string(p.ID), WorkspaceID: workspaceID, Payload: payload})
	if err != nil {
		return fmt.Errorf("persist pattern: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, workspaceID string, id ids.PatternID) (Pattern, error) {
	rec, err := s.gateway.Get(ctx, collection, workspaceID, string(id))
	if err != nil {
		return Pattern{}, err
	}
	var p Pattern
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return Pattern{}, fmt.Errorf("unmarshal pattern: %w", err)
	}
	return p, nil
}

// Get returns a pattern by id, active or retired — retired patterns remain
// queryable per §4.7.
func (s *Store) Get(ctx context.Context, workspaceID string, id ids.PatternID) (Pattern, error) {
	return s.get(ctx, workspaceID, id)
}

func (s *Store) all(ctx context.Context, workspaceID string) ([]Pattern, error) {
	recs, err := s.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	patterns := make([]Pattern, 0, len(recs))
	for _, rec := range recs {
		var p Pattern
		if err := json.Unmarshal(rec.Payload, &p); err == nil {
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

// Match returns active patterns ranked by cosine similarity to fingerprint
// among those whose declared predicate (if any) accepts fnContext.
func (s *Store) Match(ctx context.Context, workspaceID string, fingerprint []float32, fnContext map[string]any, predicates map[ids.PatternID]Predicate, k int) ([]Pattern, error) {
	patterns, err := s.all(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	type scored struct {
		p     Pattern
		score float64
	}
	var candidates []scored
	for _, p := range patterns {
		if !p.Active {
			continue
		}
		if pred, ok := predicates[p.ID]; ok && !pred(fnContext) {
			continue
		}
		candidates = append(candidates, scored{p: p, score: cosineSimilarity(fingerprint, p.ContextFingerprint)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].p.ID < candidates[j].p.ID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Pattern, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out, nil
}

// Conflicts reports whether patterns cannot be applied together in one
// synthesis window: it is true when some pattern's ConflictsWith names the
// id of any pattern in the same slice.
func Conflicts(patterns []Pattern) bool {
	seen := make(map[ids.PatternID]bool, len(patterns))
	for _, p := range patterns {
		seen[p.ID] = true
	}
	for _, p := range patterns {
		for _, c := range p.ConflictsWith {
			if seen[c] {
				return true
			}
		}
	}
	return false
}

// Apply records the outcome of applying p to a context: success/failure
// counters, and Welford's running-average update of improvement when the
// application reports one.
func (s *Store) Apply(ctx context.Context, workspaceID string, id ids.PatternID, success bool, improvement float64, hasImprovement bool) (Pattern, error) {
	p, err := s.get(ctx, workspaceID, id)
	if err != nil {
		return Pattern{}, err
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	if hasImprovement {
		p.ImprovementCount++
		delta := improvement - p.AvgImprovement
		p.AvgImprovement += delta / float64(p.ImprovementCount)
	}
	p.UpdatedAt = s.clock.Now()
	if err := s.persist(ctx, workspaceID, p); err != nil {
		return Pattern{}, err
	}
	return p, nil
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
