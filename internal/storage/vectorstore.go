package storage

import "context"

// Vector is a fixed-dimension embedding with an id, a workspace scope, and a
// typed payload used for filtering, the storage-layer shape that
// internal/vectorindex builds its k-NN search on top of.
type Vector struct {
	ID          string
	WorkspaceID string
	Values      []float32
	Payload     map[string]any
}

// ScoredVector pairs a Vector with its similarity score against a query.
type ScoredVector struct {
	Vector
	Score float64
}

// VectorFilter narrows a search to vectors whose Payload fields match
// exactly, the typed payload filter of spec.md §4.2.
type VectorFilter map[string]any

// VectorStore is the capability contract behind internal/vectorindex: upsert,
// k-NN search with payload filters, delete, and batch upsert, all scoped to a
// fixed dimension per collection.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, vecs []Vector) error
	Search(ctx context.Context, collection string, query []float32, k int, filter VectorFilter) ([]ScoredVector, error)
	Delete(ctx context.Context, collection, workspaceID, id string) error
	Dimension(ctx context.Context, collection string) (int, bool)
}
