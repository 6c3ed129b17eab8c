package episodic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/vectorindex"
)

// hashEmbedder produces a deterministic 2-dim vector from text length and
// vowel count, just enough spread for cosine similarity tests to be
// meaningful without a real model.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vowels := 0
	for _, r := range text {
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
			vowels++
		}
	}
	return []float32{float32(len(text)), float32(vowels)}, nil
}

func newTestStore(t *testing.T) (*Store, ids.Clock) {
	t.Helper()
	dir := t.TempDir()
	docs, err := storage.OpenSQLiteStore(filepath.Join(dir, "episodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	vecs, err := vectorindex.Open(filepath.Join(dir, "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { vecs.Close() })

	gw := storage.NewGateway(docs, vecs, 5, time.Second, nil)
	clock := ids.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := New(gw, vecs, hashEmbedder{}, zerolog.Nop(), WithClock(clock))
	return store, clock
}

func TestImportance_Formula(t *testing.T) {
	ep := Episode{Outcome: OutcomeSuccess, Lessons: []string{"a", "b"}, TokensUsed: 500, TokensBudget: 1000}
	got := Importance(ep)
	assert.InDelta(t, 1.0*1.2*0.5, got, 1e-9)
}

func TestImportance_ClampedToUpperBound(t *testing.T) {
	ep := Episode{
		Outcome:      OutcomeSuccess,
		Lessons:      []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		TokensUsed:   0,
		TokensBudget: 1000,
	}
	got := Importance(ep)
	assert.LessOrEqual(t, got, 1.5)
	assert.Equal(t, 1.5, got)
}

func TestStore_StoreAndLoadFull(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Store(ctx, Episode{WorkspaceID: "ws", Outcome: OutcomeSuccess, Summary: "fixed the race condition in the worker pool"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ep, err := store.LoadFull(ctx, "ws", id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, ep.Outcome)
	assert.Greater(t, ep.Importance, 0.0)
}

func TestStore_RetrieveSummariesRanksBySimilarity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, Episode{WorkspaceID: "ws", Outcome: OutcomeSuccess, Summary: "short"})
	require.NoError(t, err)
	_, err = store.Store(ctx, Episode{WorkspaceID: "ws", Outcome: OutcomeFailure, Summary: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	require.NoError(t, err)

	summaries, err := store.RetrieveSummaries(ctx, "ws", "short", 5)
	require.NoError(t, err)
	require.NotEmpty(t, summaries)
}

func TestStore_ForgetExtractsPatternsBeforeDeleting(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	fixed := clock.(ids.FixedClock)
	var extracted []Episode
	store.extractor = extractorFunc(func(ctx context.Context, eps []Episode) error {
		extracted = append(extracted, eps...)
		return nil
	})

	id, err := store.Store(ctx, Episode{WorkspaceID: "ws", Outcome: OutcomeAbandoned, Summary: "gave up", CreatedAt: fixed.At.Add(-100 * 24 * time.Hour)})
	require.NoError(t, err)

	report, err := store.Forget(ctx, "ws", ExponentialDecay{HalfLifeDays: 14, Cutoff: 0.05})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedCount)
	require.Len(t, extracted, 1)
	assert.Equal(t, id, extracted[0].ID)

	_, err = store.LoadFull(ctx, "ws", id)
	assert.Error(t, err)
}

type extractorFunc func(ctx context.Context, eps []Episode) error

func (f extractorFunc) ExtractPatterns(ctx context.Context, eps []Episode) error { return f(ctx, eps) }
