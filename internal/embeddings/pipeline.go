package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// Pipeline turns a resource's textual facets into stored vector records.
// Embedding is idempotent per facet: if the content hash of the projected
// text matches the previously stored record, the provider is not called.
type Pipeline struct {
	registry *Registry
}

// NewPipeline creates an embedding pipeline over the driver registry.
func NewPipeline(registry *Registry) *Pipeline {
	return &Pipeline{registry: registry}
}

// Projection returns the text embedded for a given facet of a resource.
// The composite facet joins name, description and capabilities so a single
// vector can answer broad queries.
func Projection(r *models.ResourceRecord, vt models.VectorType) string {
	switch vt {
	case models.VectorName:
		return r.Name
	case models.VectorDescription:
		return r.Description
	case models.VectorCapabilities:
		caps := append([]string(nil), r.Capabilities...)
		sort.Strings(caps)
		return strings.Join(caps, ", ")
	case models.VectorComposite:
		parts := []string{r.Name, r.Description}
		if len(r.Capabilities) > 0 {
			caps := append([]string(nil), r.Capabilities...)
			sort.Strings(caps)
			parts = append(parts, strings.Join(caps, ", "))
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ContentHash hashes a facet projection for change detection.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ResourceHash hashes a resource's composite projection. The scheduler uses
// it to decide whether an incremental sync needs to touch the resource.
func ResourceHash(r *models.ResourceRecord) string {
	return ContentHash(Projection(r, models.VectorComposite))
}

// Embed computes the vector record for one (resource, facet) pair using the
// named model. When prevHash matches the current projection the call is a
// no-op and returns (nil, false, nil). Provider failures surface as
// *models.EmbeddingError; the caller owns the retry policy.
func (p *Pipeline) Embed(ctx context.Context, model string, r *models.ResourceRecord, vt models.VectorType, prevHash string) (*models.VectorRecord, bool, error) {
	text := Projection(r, vt)
	hash := ContentHash(text)
	if prevHash != "" && prevHash == hash {
		return nil, false, nil
	}

	driver, err := p.registry.Get(model)
	if err != nil {
		return nil, false, &models.EmbeddingError{Model: model, Err: err}
	}

	vectors, err := driver.Embed(ctx, []string{text})
	if err != nil {
		return nil, false, &models.EmbeddingError{Model: model, Err: err}
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, false, &models.EmbeddingError{Model: model, Err: errEmptyEmbedding}
	}

	vec, norm := normalize(vectors[0])
	return &models.VectorRecord{
		ResourceID:  r.ResourceID,
		VectorType:  vt,
		Embedding:   vec,
		Dimensions:  len(vec),
		Model:       model,
		ContentHash: hash,
		Norm:        norm,
		UpdatedAt:   time.Now().UTC(),
	}, true, nil
}

// EmbedQuery embeds free query text with the named model and returns the
// unit-normalized vector, ready for cosine search against stored records.
func (p *Pipeline) EmbedQuery(ctx context.Context, model, text string) ([]float64, error) {
	driver, err := p.registry.Get(model)
	if err != nil {
		return nil, &models.EmbeddingError{Model: model, Err: err}
	}
	vectors, err := driver.Embed(ctx, []string{text})
	if err != nil {
		return nil, &models.EmbeddingError{Model: model, Err: err}
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, &models.EmbeddingError{Model: model, Err: errEmptyEmbedding}
	}
	vec, _ := normalize(vectors[0])
	return vec, nil
}

var errEmptyEmbedding = errEmpty{}

type errEmpty struct{}

func (errEmpty) Error() string { return "provider returned an empty embedding" }

// normalize scales v to unit length so cosine similarity reduces to a dot
// product at query time. Returns the original magnitude for quality checks.
func normalize(v []float64) ([]float64, float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v, 0
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, norm
}
