// Package strategy implements the strategy library of spec.md §4.15: named
// plan templates scored against a query by keyword overlap boosted by a
// track record of past success. Grounded on the monitor's deployment
// Planner (internal/supervisor/planner.go) for the
// analyze-then-propose-a-plan shape, generalized from a fixed
// sequential/parallel/phased choice to an open, persisted, scored library.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const collection = "strategy"

// Strategy is a named plan template.
type Strategy struct {
	ID                     string
	Name                   string
	PatternKeywords        []string
	RequiredCapabilities   []string
	DefaultWorkerCount     int
	DefaultToolCallCeiling int
	OutputFormat           string

	TimesApplied  int
	SuccessCount  int
	LastSuccessAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuccessRate returns SuccessCount / TimesApplied, or 0 if never applied.
func (s Strategy) SuccessRate() float64 {
	if s.TimesApplied == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TimesApplied)
}

// Library is the strategy tier: a persisted, scored set of Strategy
// templates.
type Library struct {
	gateway         *storage.Gateway
	clock           ids.Clock
	minApplications int
}

// Option configures a Library at construction.
type Option func(*Library)

// WithMinApplications sets the times_applied threshold below which a
// strategy's success rate does not boost its score. Default 3.
func WithMinApplications(n int) Option {
	return func(l *Library) { l.minApplications = n }
}

// New builds a Library over gateway. If workspaceID has no strategies yet,
// the seven built-in archetypes are seeded so find_best always has
// candidates at first boot.
func New(ctx context.Context, gateway *storage.Gateway, workspaceID string, clock ids.Clock, opts ...Option) (*Library, error) {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	l := &Library{gateway: gateway, clock: clock, minApplications: 3}
	for _, opt := range opts {
		opt(l)
	}

	existing, err := l.all(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		for _, s := range builtinArchetypes() {
			if _, err := l.Upsert(ctx, workspaceID, s); err != nil {
				return nil, fmt.Errorf("strategy: seed %s: %w", s.ID, err)
			}
		}
	}
	return l, nil
}

// Upsert inserts or replaces a Strategy.
func (l *Library) Upsert(ctx context.Context, workspaceID string, s Strategy) (Strategy, error) {
	now := l.clock.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	payload, err := json.Marshal(s)
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy: marshal %s: %w", s.ID, err)
	}
	if _, err := l.gateway.Upsert(ctx, storage.Record{
		Collection:  collection,
		ID:          s.ID,
		WorkspaceID: workspaceID,
		Payload:     payload,
	}); err != nil {
		return Strategy{}, fmt.Errorf("strategy: upsert %s: %w", s.ID, err)
	}
	return s, nil
}

// Get fetches one strategy by id.
func (l *Library) Get(ctx context.Context, workspaceID, id string) (Strategy, error) {
	rec, err := l.gateway.Get(ctx, collection, workspaceID, id)
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy: get %s: %w", id, err)
	}
	var s Strategy
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return Strategy{}, fmt.Errorf("strategy: decode %s: %w", id, err)
	}
	return s, nil
}

func (l *Library) all(ctx context.Context, workspaceID string) ([]Strategy, error) {
	recs, err := l.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("strategy: list: %w", err)
	}
	out := make([]Strategy, 0, len(recs))
	for _, rec := range recs {
		var s Strategy
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return nil, fmt.Errorf("strategy: decode %s: %w", rec.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// RecordOutcome updates a strategy's effectiveness statistics after one
// application.
func (l *Library) RecordOutcome(ctx context.Context, workspaceID, id string, success bool) (Strategy, error) {
	s, err := l.Get(ctx, workspaceID, id)
	if err != nil {
		return Strategy{}, err
	}
	s.TimesApplied++
	if success {
		s.SuccessCount++
		s.LastSuccessAt = l.clock.Now().UTC()
	}
	return l.Upsert(ctx, workspaceID, s)
}
