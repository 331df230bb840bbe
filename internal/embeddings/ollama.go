package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaDriver implements contracts.EmbeddingDriver against a local Ollama
// server's /api/embed endpoint (nomic-embed-text, mxbai-embed-large,
// all-minilm).
type OllamaDriver struct {
	baseURL   string
	model     string
	batchSize int
	keepAlive string
	client    *http.Client
}

// OllamaOption configures the Ollama driver.
type OllamaOption func(*OllamaDriver)

// WithOllamaBatchSize caps the number of texts per Embed call.
func WithOllamaBatchSize(size int) OllamaOption {
	return func(d *OllamaDriver) { d.batchSize = size }
}

// WithOllamaKeepAlive controls how long Ollama keeps the model loaded
// between calls (e.g. "10m", "-1" for forever).
func WithOllamaKeepAlive(keepAlive string) OllamaOption {
	return func(d *OllamaDriver) { d.keepAlive = keepAlive }
}

// NewOllamaDriver creates an Ollama embedding driver. An empty endpoint
// defaults to the local daemon.
func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	d := &OllamaDriver{
		baseURL:   strings.TrimRight(endpoint, "/"),
		model:     model,
		batchSize: 512,
		keepAlive: "5m",
		client:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string      { return "ollama" }
func (d *OllamaDriver) Dimensions() int   { return ModelDimensions(d.model) }
func (d *OllamaDriver) MaxBatchSize() int { return d.batchSize }

// Embed generates one vector per text via the batch embed endpoint, which
// returns embeddings in input order.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > d.batchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(texts), d.batchSize)
	}

	payload := struct {
		Model     string   `json:"model"`
		Input     []string `json:"input"`
		KeepAlive string   `json:"keep_alive,omitempty"`
	}{Model: d.model, Input: texts, KeepAlive: d.keepAlive}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}

	if err := postJSON(ctx, d.client, d.baseURL+"/api/embed", nil, payload, &result); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// HealthCheck verifies the daemon is reachable and the model loads.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"ping"})
	return err
}
