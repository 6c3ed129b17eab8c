package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

type fakeProvider struct {
	name       string
	batchLimit int
	fail       bool
	calls      atomic.Int64
}

func (f *fakeProvider) ModelName() string { return f.name }
func (f *fakeProvider) BatchLimit() int    { return f.batchLimit }
func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestChain_EmbedFallsBackOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", batchLimit: 10, fail: true}
	fallback := &fakeProvider{name: "fallback", batchLimit: 10}
	chain := NewChain(zerolog.Nop(), 2, time.Minute, primary, fallback)

	vec, err := chain.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(5), vec[0])
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(1), fallback.calls.Load())
}

func TestChain_EmbedNoProviderWhenAllFail(t *testing.T) {
	chain := NewChain(zerolog.Nop(), 2, time.Minute, &fakeProvider{name: "a", fail: true}, &fakeProvider{name: "b", fail: true})
	_, err := chain.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, coreerr.ErrNoProvider)
}

func TestChain_EmbedCacheHitSkipsProvider(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 10}
	chain := NewChain(zerolog.Nop(), 2, time.Minute, p)

	_, err := chain.Embed(context.Background(), "cached text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.calls.Load())

	_, err = chain.Embed(context.Background(), "cached text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.calls.Load(), "second call should be served from the fingerprint cache")
}

func TestChain_EmbedBatchChunksAcrossBatchLimit(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 2}
	chain := NewChain(zerolog.Nop(), 4, time.Minute, p)

	texts := []string{"a", "bb", "ccc", "dddd", "e"}
	vecs, err := chain.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, txt := range texts {
		assert.Equal(t, float32(len(txt)), vecs[i][0])
	}
	assert.GreaterOrEqual(t, p.calls.Load(), int64(3), "5 texts at batch limit 2 should need at least 3 chunk calls")
}
