package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []BreakerState
	cb := NewCircuitBreaker(3, 20*time.Millisecond, func(s BreakerState) { transitions = append(transitions, s) })

	failing := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := cb.Guard(func() error { return failing })
		assert.Equal(t, failing, err)
	}
	assert.Equal(t, Open, cb.State())

	err := cb.Guard(func() error { return nil })
	assert.ErrorContains(t, err, "storage unavailable")

	time.Sleep(25 * time.Millisecond)
	err = cb.Guard(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, cb.State())
	assert.Contains(t, transitions, Open)
	assert.Contains(t, transitions, HalfOpen)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	cb.Guard(func() error { return errors.New("boom") })
	require.Equal(t, Open, cb.State())

	time.Sleep(15 * time.Millisecond)
	err := cb.Guard(func() error { return errors.New("still broken") })
	assert.Error(t, err)
	assert.Equal(t, Open, cb.State())
}

func TestCircuitBreaker_NotFoundDoesNotCountAsFailure(t *testing.T) {
	var transitions []BreakerState
	cb := NewCircuitBreaker(2, 20*time.Millisecond, func(s BreakerState) { transitions = append(transitions, s) })

	for i := 0; i < 10; i++ {
		err := cb.Guard(func() error { return coreerr.ErrNotFound })
		assert.ErrorIs(t, err, coreerr.ErrNotFound)
	}

	assert.Equal(t, Closed, cb.State())
	assert.Empty(t, transitions)
}

func TestBackoff_StaysWithinCap(t *testing.T) {
	cap := 100 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt, 5*time.Millisecond, cap)
		assert.LessOrEqual(t, d, cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestSQLiteStore_UpsertGetFind(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := Record{Collection: "episode", ID: "ep-1", WorkspaceID: "ws-1", Payload: []byte(`{"importance":0.8}`)}
	v1, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	got, err := store.Get(ctx, "episode", "ws-1", "ep-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	_, err = store.Get(ctx, "episode", "ws-1", "missing")
	assert.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestGateway_RetriesThenOpens(t *testing.T) {
	calls := 0
	docs := &fakeDocs{
		upsert: func(ctx context.Context, rec Record) (int64, error) {
			calls++
			return 0, errors.New("transient")
		},
	}
	gw := NewGateway(docs, nil, 2, 50*time.Millisecond, nil)
	gw.maxRetry = 1
	gw.baseDelay = time.Millisecond
	gw.capDelay = 2 * time.Millisecond

	_, err := gw.Upsert(context.Background(), Record{Collection: "x", ID: "1"})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)

	_, err = gw.Upsert(context.Background(), Record{Collection: "x", ID: "1"})
	assert.ErrorIs(t, err, coreerr.ErrStorageUnavailable)
}

type fakeDocs struct {
	upsert func(ctx context.Context, rec Record) (int64, error)
}

func (f *fakeDocs) Upsert(ctx context.Context, rec Record) (int64, error) { return f.upsert(ctx, rec) }
func (f *fakeDocs) Get(ctx context.Context, collection, workspaceID, id string) (Record, error) {
	return Record{}, errors.New("not implemented")
}
func (f *fakeDocs) Find(ctx context.Context, q Query) ([]Record, error) { return nil, nil }
func (f *fakeDocs) Delete(ctx context.Context, collection, workspaceID, id string) error { return nil }
func (f *fakeDocs) Ping(ctx context.Context) error                                       { return nil }
func (f *fakeDocs) Close() error                                                          { return nil }

func TestBlobStore_PutGetRefcount(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlobStore(filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	defer bs.Close()

	data := []byte("hello world")
	hash, err := bs.Put(data)
	require.NoError(t, err)
	assert.Equal(t, 1, bs.RefCount(hash))

	hash2, err := bs.Put(data)
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
	assert.Equal(t, 2, bs.RefCount(hash))

	got, err := bs.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, bs.Release(hash))
	assert.Equal(t, 1, bs.RefCount(hash))
	require.NoError(t, bs.Release(hash))
	assert.Equal(t, 0, bs.RefCount(hash))

	_, err = bs.Get(hash)
	assert.Error(t, err)
}
