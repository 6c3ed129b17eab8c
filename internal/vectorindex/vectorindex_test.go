package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/storage"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndex_UpsertSearchOrdersByScoreThenID(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	vecs := []storage.Vector{
		{ID: "b", WorkspaceID: "ws", Values: []float32{1, 0}, Payload: map[string]any{"kind": "code"}},
		{ID: "a", WorkspaceID: "ws", Values: []float32{1, 0}, Payload: map[string]any{"kind": "code"}},
		{ID: "c", WorkspaceID: "ws", Values: []float32{0, 1}, Payload: map[string]any{"kind": "code"}},
	}
	require.NoError(t, idx.Upsert(ctx, "episode", vecs))

	results, err := idx.Search(ctx, "episode", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestIndex_DimensionMismatchRejected(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "episode", []storage.Vector{{ID: "a", Values: []float32{1, 2, 3}}}))
	err := idx.Upsert(ctx, "episode", []storage.Vector{{ID: "b", Values: []float32{1, 2}}})
	assert.ErrorIs(t, err, coreerr.ErrDimensionMismatch)

	_, err = idx.Search(ctx, "episode", []float32{1, 2}, 5, nil)
	assert.ErrorIs(t, err, coreerr.ErrDimensionMismatch)
}

func TestIndex_SearchFiltersByPayload(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "unit", []storage.Vector{
		{ID: "1", Values: []float32{1, 0}, Payload: map[string]any{"kind": "function"}},
		{ID: "2", Values: []float32{1, 0}, Payload: map[string]any{"kind": "struct"}},
	}))

	results, err := idx.Search(ctx, "unit", []float32{1, 0}, 10, storage.VectorFilter{"kind": "struct"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].ID)
}

func TestIndex_DeleteNotFound(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	err := idx.Delete(ctx, "episode", "ws", "missing")
	assert.ErrorIs(t, err, coreerr.ErrNotFound)
}
