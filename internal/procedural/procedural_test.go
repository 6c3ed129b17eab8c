package procedural

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 5, time.Second, nil)
	return New(gw, ids.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func TestStore_UpsertNewPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Upsert(ctx, "ws", Pattern{Category: "refactor", Action: ActionSpec{"op": "rename"}})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.True(t, p.Active)
}

func TestStore_UpsertSupersedesOnActionChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig, err := s.Upsert(ctx, "ws", Pattern{Category: "refactor", Action: ActionSpec{"op": "rename"}})
	require.NoError(t, err)

	next, err := s.Upsert(ctx, "ws", Pattern{ID: orig.ID, Category: "refactor", Action: ActionSpec{"op": "extract"}})
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, next.ID)
	assert.Equal(t, orig.ID, next.Predecessor)
	assert.Equal(t, 2, next.Version)

	old, err := s.Get(ctx, "ws", orig.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
}

func TestStore_ApplyTracksWelfordAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Upsert(ctx, "ws", Pattern{Action: ActionSpec{"op": "x"}})
	require.NoError(t, err)

	p, err = s.Apply(ctx, "ws", p.ID, true, 0.2, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, p.AvgImprovement, 1e-9)

	p, err = s.Apply(ctx, "ws", p.ID, true, 0.6, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, p.AvgImprovement, 1e-9)
	assert.Equal(t, 2, p.SuccessCount)
	assert.Equal(t, 1.0, p.SuccessRate())
}

func TestMatch_RanksByCosineAndRespectsPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Upsert(ctx, "ws", Pattern{Action: ActionSpec{"op": "a"}, ContextFingerprint: []float32{1, 0}})
	b, _ := s.Upsert(ctx, "ws", Pattern{Action: ActionSpec{"op": "b"}, ContextFingerprint: []float32{0, 1}})

	preds := map[ids.PatternID]Predicate{
		b.ID: func(ctx map[string]any) bool { return false },
	}
	matches, err := s.Match(ctx, "ws", []float32{1, 0}, nil, preds, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID, matches[0].ID)
}

func TestConflicts_DetectsIntersection(t *testing.T) {
	a := Pattern{ID: "a", ConflictsWith: []ids.PatternID{"b"}}
	b := Pattern{ID: "b"}
	assert.True(t, Conflicts([]Pattern{a, b}))
	assert.False(t, Conflicts([]Pattern{{ID: "a"}, {ID: "b"}}))
}
