package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 5, time.Second, nil)
	return New(gw, ids.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, 3)
}

func TestCommit_FastPathWhenUncontended(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s := m.Begin("ws")
	s.Set("doc", "1", json.RawMessage(`{"a":1}`))

	result, err := m.Commit(ctx, s, Manual)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NewHeadVersion)
	assert.Equal(t, 1, result.Applied)

	payload, err := s.Get(ctx, "doc", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))
}

func TestCommit_NonOverlappingChangesMergeAutomatically(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := m.Begin("ws")
	b := m.Begin("ws")

	a.Set("doc", "1", json.RawMessage(`{"a":1}`))
	_, err := m.Commit(ctx, a, Manual)
	require.NoError(t, err)

	b.Set("doc", "2", json.RawMessage(`{"b":1}`))
	result, err := m.Commit(ctx, b, Manual)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NewHeadVersion)
	assert.Equal(t, 0, result.MergedKeys)
}

func TestCommit_OverlappingPathsManualSurfacesConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := m.Begin("ws")
	b := m.Begin("ws")

	a.Set("doc", "1", json.RawMessage(`{"a":1}`))
	_, err := m.Commit(ctx, a, Manual)
	require.NoError(t, err)

	b.Set("doc", "1", json.RawMessage(`{"a":2}`))
	_, err = m.Commit(ctx, b, Manual)
	require.Error(t, err)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Paths, 1)
	assert.Equal(t, "1", conflict.Paths[0].ID)
}

func TestCommit_PreferSourceOverwritesConflictingTarget(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := m.Begin("ws")
	b := m.Begin("ws")

	a.Set("doc", "1", json.RawMessage(`{"a":1}`))
	_, err := m.Commit(ctx, a, Manual)
	require.NoError(t, err)

	b.Set("doc", "1", json.RawMessage(`{"a":2}`))
	_, err = m.Commit(ctx, b, PreferSource)
	require.NoError(t, err)

	c := m.Begin("ws")
	payload, err := c.Get(ctx, "doc", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(payload))
}

func TestCommit_AutoMergesDisjointObjectFields(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := m.Begin("ws")
	b := m.Begin("ws")

	a.Set("doc", "1", json.RawMessage(`{"a":1}`))
	_, err := m.Commit(ctx, a, Manual)
	require.NoError(t, err)

	b.Set("doc", "1", json.RawMessage(`{"b":2}`))
	result, err := m.Commit(ctx, b, Auto)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MergedKeys)

	c := m.Begin("ws")
	payload, err := c.Get(ctx, "doc", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(payload))
}

func TestCommit_StaleReadFailsWriteSkewAfterRetries(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seed := m.Begin("ws")
	seed.Set("doc", "1", json.RawMessage(`{"a":1}`))
	_, err := m.Commit(ctx, seed, Manual)
	require.NoError(t, err)

	reader := m.Begin("ws")
	_, err = reader.Get(ctx, "doc", "1") // captures version 1 in the read set

	writer := m.Begin("ws")
	writer.Set("doc", "1", json.RawMessage(`{"a":2}`))
	_, err = m.Commit(ctx, writer, PreferSource)
	require.NoError(t, err)

	reader.Set("doc", "2", json.RawMessage(`{"c":1}`)) // unrelated write, but read set is now stale
	_, err = m.Commit(ctx, reader, Manual)
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrWriteSkew)
}
