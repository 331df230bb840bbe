// Package contracts defines the collaborator interfaces the discovery engine
// consumes. The engine ships concrete implementations for embeddings (OpenAI,
// Ollama); health probers are supplied by the surrounding platform per
// resource type.
package contracts

import (
	"context"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// EmbeddingDriver turns text into vectors. Opaque to the engine; may fail
// transiently, in which case callers own the retry policy.
type EmbeddingDriver interface {
	// Kind returns the driver family ("openai", "ollama", ...).
	Kind() string

	// Dimensions returns the vector dimensionality this driver produces.
	Dimensions() int

	// MaxBatchSize returns the maximum texts per Embed call.
	MaxBatchSize() int

	// Embed generates one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Prober checks whether a resource's backend is reachable and responsive.
// Implementations are per resource type (SQL ping, HTTP HEAD, ...).
type Prober interface {
	Probe(ctx context.Context, resource *models.ResourceRecord) models.ProbeResult
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context, resource *models.ResourceRecord) models.ProbeResult

func (f ProberFunc) Probe(ctx context.Context, resource *models.ResourceRecord) models.ProbeResult {
	return f(ctx, resource)
}
