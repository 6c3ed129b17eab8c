// Package vectorindex implements the vector index adapter of spec.md §4.2:
// fixed-dimension cosine-similarity k-NN search with typed payload filters,
// over a bbolt-persisted store. Grounded on the teacher's
// internal/memory.SQLiteMemoryDB for the "one bbolt bucket per collection,
// opened lazily" shape, generalized to vectors instead of rows.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/storage"
)

var bucketVectors = []byte("vectors")

// storedVector is the bbolt-persisted form of storage.Vector.
type storedVector struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Values      []float32      `json:"values"`
	Payload     map[string]any `json:"payload"`
}

// Index is a bbolt-backed storage.VectorStore. Each collection gets its own
// bucket and locks its own dimension on first upsert, per §4.2's "dimensions
// are fixed at index creation."
type Index struct {
	mu         sync.RWMutex
	db         *bbolt.DB
	dimensions map[string]int
}

// Open opens (creating if absent) a bbolt-backed vector index at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	idx := &Index{db: db, dimensions: make(map[string]int)}
	if err := idx.loadDimensions(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) loadDimensions() error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			c := b.Cursor()
			if k, v := c.First(); k != nil {
				var sv storedVector
				if err := json.Unmarshal(v, &sv); err == nil {
					idx.dimensions[string(name)] = len(sv.Values)
				}
			}
			return nil
		})
	})
}

// Upsert stores or replaces vecs in collection. The first vector ever stored
// in a collection fixes its dimension; later upserts with a different
// dimension fail with coreerr.ErrDimensionMismatch and store nothing.
func (idx *Index) Upsert(ctx context.Context, collection string, vecs []storage.Vector) error {
	if len(vecs) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dim, fixed := idx.dimensions[collection]
	for _, v := range vecs {
		if fixed && len(v.Values) != dim {
			return fmt.Errorf("collection %s: %w (have %d, want %d)", collection, coreerr.ErrDimensionMismatch, len(v.Values), dim)
		}
		if !fixed {
			dim = len(v.Values)
			fixed = true
		}
	}

	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		for _, v := range vecs {
			sv := storedVector{ID: v.ID, WorkspaceID: v.WorkspaceID, Values: v.Values, Payload: v.Payload}
			data, err := json.Marshal(sv)
			if err != nil {
				return err
			}
			if err := b.Put(vectorKey(v.WorkspaceID, v.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	idx.dimensions[collection] = dim
	return nil
}

// Search returns the k nearest vectors to query by cosine similarity,
// narrowed to those whose payload matches every filter field exactly,
// descending by score with ties broken by ascending id.
func (idx *Index) Search(ctx context.Context, collection string, query []float32, k int, filter storage.VectorFilter) ([]storage.ScoredVector, error) {
	idx.mu.RLock()
	dim, fixed := idx.dimensions[collection]
	idx.mu.RUnlock()
	if fixed && len(query) != dim {
		return nil, fmt.Errorf("collection %s: %w (have %d, want %d)", collection, coreerr.ErrDimensionMismatch, len(query), dim)
	}

	var candidates []storage.ScoredVector
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var sv storedVector
			if err := json.Unmarshal(v, &sv); err != nil {
				return err
			}
			if !matchesFilter(sv.Payload, filter) {
				return nil
			}
			score := cosineSimilarity(query, sv.Values)
			candidates = append(candidates, storage.ScoredVector{
				Vector: storage.Vector{ID: sv.ID, WorkspaceID: sv.WorkspaceID, Values: sv.Values, Payload: sv.Payload},
				Score:  score,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Delete removes a vector from collection.
func (idx *Index) Delete(ctx context.Context, collection, workspaceID, id string) error {
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return coreerr.ErrNotFound
		}
		key := vectorKey(workspaceID, id)
		if b.Get(key) == nil {
			return coreerr.ErrNotFound
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// Dimension reports the fixed dimension of collection, if any vector has
// been stored there yet.
func (idx *Index) Dimension(ctx context.Context, collection string) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	dim, ok := idx.dimensions[collection]
	return dim, ok
}

// Close releases the underlying bbolt file handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func vectorKey(workspaceID, id string) []byte {
	return []byte(workspaceID + "\x00" + id)
}

func matchesFilter(payload map[string]any, filter storage.VectorFilter) bool {
	for field, want := range filter {
		got, ok := payload[field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// cosineSimilarity computes the cosine of the angle between a and b. Vectors
// of mismatched length (should not occur once a collection's dimension is
// fixed) are treated as maximally dissimilar rather than panicking.
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
