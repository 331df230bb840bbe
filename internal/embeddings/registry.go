// Package embeddings turns resource facets into normalized vectors.
// It ships an embedding driver registry with OpenAI and Ollama drivers,
// and the Pipeline that projects a resource into per-facet texts, hashes
// them for idempotence, and normalizes the resulting vectors.
package embeddings

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/pkg/contracts"
)

// Registry holds named embedding drivers. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]contracts.EmbeddingDriver
}

// ModelDimensions returns the vector dimensionality a known model produces,
// defaulting to 1536 for unrecognized names.
func ModelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large":
		return 1024
	case "all-minilm", "all-minilm:l6-v2":
		return 384
	}
	return 1536
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]contracts.EmbeddingDriver)}
}

// Register adds a driver under the given model name. Overwrites if exists.
func (r *Registry) Register(model string, driver contracts.EmbeddingDriver) {
	r.mu.Lock()
	r.drivers[model] = driver
	r.mu.Unlock()
	log.Info().Str("model", model).Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver registered")
}

// Get returns the driver for a model, or an error if none is registered.
func (r *Registry) Get(model string) (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[model]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", model)
	}
	return d, nil
}

// List returns all registered model names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll pings every registered driver and returns errors keyed by model.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.EmbeddingDriver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for model, driver := range snapshot {
		results[model] = driver.HealthCheck(ctx)
	}
	return results
}
