// Package embedding implements the embedding provider chain of spec.md
// §4.3: an ordered list of providers tried in sequence, chunked batch
// requests fanned out with a bounded concurrency, and a fingerprint cache
// shared across callers. Grounded on the provider-call shape of
// other_examples' OpenAI embedding client (request/response by text batch)
// generalized behind an interface, and on the monitor's ordered-fallback
// style used when dispatching to multiple notification channels.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// Provider embeds a batch of texts in one round trip. ModelName identifies
// the model for cache-key purposes; BatchLimit bounds how many texts a
// single Embed call accepts before the chain must chunk its input.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	BatchLimit() int
}

type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// Chain tries providers in order, falling back on failure, and shares a
// fingerprint cache keyed by (text, model) across all embed calls.
type Chain struct {
	providers   []Provider
	concurrency int
	cacheTTL    time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewChain builds a Chain over providers (tried in the given order) with
// the given batch fan-out concurrency bound and cache TTL.
func NewChain(logger zerolog.Logger, concurrency int, cacheTTL time.Duration, providers ...Provider) *Chain {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Chain{
		providers:   providers,
		concurrency: concurrency,
		cacheTTL:    cacheTTL,
		logger:      logger,
		cache:       make(map[string]cacheEntry),
	}
}

// Embed returns the embedding for text, checking the fingerprint cache
// first and otherwise trying providers in order until one succeeds. Returns
// coreerr.ErrNoProvider if every provider fails.
func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	for _, p := range c.providers {
		key := fingerprint(text, p.ModelName())
		if v, ok := c.cacheGet(key); ok {
			return v, nil
		}
		vecs, err := p.Embed(ctx, []string{text})
		if err != nil {
			c.logger.Warn().Str("provider", p.ModelName()).Err(err).Msg("embed provider failed, trying next")
			continue
		}
		if len(vecs) == 0 {
			continue
		}
		c.cachePut(key, vecs[0])
		return vecs[0], nil
	}
	return nil, coreerr.ErrNoProvider
}

// EmbedBatch embeds texts, chunking into groups no larger than the chosen
// provider's BatchLimit and sending chunks concurrently up to the chain's
// concurrency bound. Each chunk independently falls back across providers
// and shares the same fingerprint cache.
func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(c.providers) == 0 {
		return nil, coreerr.ErrNoProvider
	}

	chunkSize := c.providers[0].BatchLimit()
	if chunkSize < 1 {
		chunkSize = len(texts)
	}
	var chunks [][]string
	for i := 0; i < len(texts); i += chunkSize {
		end := i + chunkSize
		if end > len(texts) {
			end = len(texts)
		}
		chunks = append(chunks, texts[i:end])
	}

	results := make([][][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			vecs, err := c.embedChunk(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (c *Chain) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	for _, p := range c.providers {
		keys := make([]string, len(texts))
		vecs := make([][]float32, len(texts))
		missing := make([]string, 0, len(texts))
		missingIdx := make([]int, 0, len(texts))
		for i, t := range texts {
			keys[i] = fingerprint(t, p.ModelName())
			if v, ok := c.cacheGet(keys[i]); ok {
				vecs[i] = v
				continue
			}
			missing = append(missing, t)
			missingIdx = append(missingIdx, i)
		}
		if len(missing) == 0 {
			return vecs, nil
		}
		fetched, err := p.Embed(ctx, missing)
		if err != nil || len(fetched) != len(missing) {
			c.logger.Warn().Str("provider", p.ModelName()).Err(err).Msg("batch embed provider failed, trying next")
			continue
		}
		for j, idx := range missingIdx {
			vecs[idx] = fetched[j]
			c.cachePut(keys[idx], fetched[j])
		}
		return vecs, nil
	}
	return nil, coreerr.ErrNoProvider
}

func (c *Chain) cacheGet(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if c.cacheTTL > 0 && time.Now().After(entry.expiresAt) {
		delete(c.cache, key)
		return nil, false
	}
	return entry.vector, true
}

func (c *Chain) cachePut(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{vector: vec, expiresAt: time.Now().Add(c.cacheTTL)}
}

func fingerprint(text, model string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
