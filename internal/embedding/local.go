package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// LocalProvider is a deterministic, offline Provider: it hashes each text
// into a fixed-dimension unit vector instead of calling out to a model
// server. spec.md's Non-goals keep real LLM provider clients external to
// this module, so this is the fallback a deployment without one configured
// runs on — good enough to exercise the vector index and episodic retrieval
// paths without a network dependency.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider returns a LocalProvider producing vectors of the given
// dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	return &LocalProvider{dimension: dimension}
}

func (p *LocalProvider) ModelName() string { return "local-hash-v1" }

func (p *LocalProvider) BatchLimit() int { return 256 }

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, p.dimension)
	}
	return out, nil
}

// hashVector expands repeated SHA-256 digests of text into dimension
// pseudo-random floats in [-1, 1], then L2-normalizes the result so cosine
// similarity comparisons behave sensibly.
func hashVector(text string, dimension int) []float32 {
	vec := make([]float32, dimension)
	block := []byte(text)
	var sumSquares float64
	for i := 0; i < dimension; i++ {
		sum := sha256.Sum256(block)
		bits := binary.BigEndian.Uint32(sum[:4])
		val := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(val)
		sumSquares += val * val
		block = sum[:]
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
