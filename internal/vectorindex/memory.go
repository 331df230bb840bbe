package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// DefaultMaxVectors caps the in-memory index. The catalog is expected to be
// hundreds to low thousands of resources with a handful of facets each.
const DefaultMaxVectors = 50_000

type entry struct {
	rec        models.VectorRecord
	rtype      models.ResourceType
	active     bool
	searchable bool
}

// MemoryIndex is a brute-force cosine index guarded by an RWMutex, so
// concurrent readers never block each other.
type MemoryIndex struct {
	mu         sync.RWMutex
	entries    map[string]*entry // key: resource_id:vector_type
	maxVectors int
}

// Option configures the memory index.
type Option func(*MemoryIndex)

// WithMaxVectors overrides the vector cap.
func WithMaxVectors(max int) Option {
	return func(ix *MemoryIndex) { ix.maxVectors = max }
}

// NewMemoryIndex creates an in-memory vector index.
func NewMemoryIndex(opts ...Option) *MemoryIndex {
	ix := &MemoryIndex{
		entries:    make(map[string]*entry),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func key(resourceID string, vt models.VectorType) string {
	return resourceID + ":" + string(vt)
}

func (ix *MemoryIndex) Upsert(_ context.Context, rec *models.VectorRecord, rtype models.ResourceType, active bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := key(rec.ResourceID, rec.VectorType)
	if _, exists := ix.entries[k]; !exists && len(ix.entries) >= ix.maxVectors {
		return errCapacity
	}
	ix.entries[k] = &entry{rec: *rec, rtype: rtype, active: active, searchable: true}
	if len(ix.entries) > int(float64(ix.maxVectors)*0.9) {
		log.Warn().Int("count", len(ix.entries)).Int("max", ix.maxVectors).Msg("Vector index nearing capacity")
	}
	return nil
}

func (ix *MemoryIndex) Get(_ context.Context, resourceID string, vt models.VectorType) (*models.VectorRecord, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[key(resourceID, vt)]
	if !ok {
		return nil, nil
	}
	cp := e.rec
	return &cp, nil
}

func (ix *MemoryIndex) Remove(_ context.Context, resourceID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for k, e := range ix.entries {
		if e.rec.ResourceID == resourceID {
			delete(ix.entries, k)
		}
	}
	return nil
}

func (ix *MemoryIndex) SetActive(_ context.Context, resourceID string, active bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range ix.entries {
		if e.rec.ResourceID == resourceID {
			e.active = active
		}
	}
	return nil
}

func (ix *MemoryIndex) SetSearchable(_ context.Context, resourceID string, searchable bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range ix.entries {
		if e.rec.ResourceID == resourceID {
			e.searchable = searchable
		}
	}
	return nil
}

func (ix *MemoryIndex) Search(_ context.Context, query []float64, topK int, types []models.ResourceType, activeOnly bool) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	allowed := map[models.ResourceType]bool{}
	for _, t := range types {
		allowed[t] = true
	}

	ix.mu.RLock()
	// Best facet per resource — de-duplicate by resource id, keep max similarity.
	best := make(map[string]Hit)
	for _, e := range ix.entries {
		if !e.searchable {
			continue
		}
		if activeOnly && !e.active {
			continue
		}
		if len(allowed) > 0 && !allowed[e.rtype] {
			continue
		}
		if len(e.rec.Embedding) != len(query) {
			continue
		}

		sim := clamp01(dot(query, e.rec.Embedding))
		if cur, ok := best[e.rec.ResourceID]; !ok || sim > cur.Similarity {
			best[e.rec.ResourceID] = Hit{ResourceID: e.rec.ResourceID, VectorType: e.rec.VectorType, Similarity: sim}
		}
	}
	ix.mu.RUnlock()

	hits := make([]Hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ResourceID < hits[j].ResourceID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (ix *MemoryIndex) Count(context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries), nil
}

// ── Helpers ─────────────────────────────────────────────────

var errCapacity = capacityError{}

type capacityError struct{}

func (capacityError) Error() string { return "vector index capacity exceeded" }

// dot is cosine similarity for unit-normalized vectors.
func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
