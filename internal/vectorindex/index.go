// Package vectorindex stores per-resource, per-facet embeddings and answers
// top-K nearest-neighbor queries. The in-memory implementation does exact
// cosine search, which is adequate at catalog scale (thousands of resources
// times a handful of facets); the Index interface leaves room for an
// approximate store such as pgvector with an HNSW index.
package vectorindex

import (
	"context"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// Hit is one nearest-neighbor result: the best facet of one resource.
type Hit struct {
	ResourceID string
	VectorType models.VectorType
	Similarity float64 // [0,1]
}

// Index is the vector store contract consumed by the matcher and the sync
// scheduler. Implementations must support concurrent readers.
type Index interface {
	// Upsert inserts or replaces the vector for a (resource, facet) pair.
	Upsert(ctx context.Context, rec *models.VectorRecord, rtype models.ResourceType, active bool) error

	// Get returns the stored record for a pair, or nil if absent.
	Get(ctx context.Context, resourceID string, vt models.VectorType) (*models.VectorRecord, error)

	// Remove deletes all vectors for a resource.
	Remove(ctx context.Context, resourceID string) error

	// SetActive marks a resource's vectors as (in)eligible for active-only search.
	SetActive(ctx context.Context, resourceID string, active bool) error

	// SetSearchable excludes or re-includes a resource from search without
	// dropping its vectors. Used when vectorization fails: stale vectors are
	// kept for the next incremental decision but never served.
	SetSearchable(ctx context.Context, resourceID string, searchable bool) error

	// Search returns the top-K resources by cosine similarity against the
	// query vector, one hit per resource (its best-scoring facet).
	Search(ctx context.Context, query []float64, topK int, types []models.ResourceType, activeOnly bool) ([]Hit, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)
}
