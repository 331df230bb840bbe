package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openAIDefaultEndpoint = "https://api.openai.com/v1/embeddings"

// OpenAIDriver implements contracts.EmbeddingDriver against the OpenAI
// embeddings API (text-embedding-3-small/-large, text-embedding-ada-002).
type OpenAIDriver struct {
	apiKey    string
	model     string
	endpoint  string
	batchSize int
	client    *http.Client
}

// OpenAIOption configures the OpenAI driver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIEndpoint points the driver at a proxy or gateway instead of
// api.openai.com.
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

// WithOpenAIBatchSize caps the number of texts per Embed call.
func WithOpenAIBatchSize(size int) OpenAIOption {
	return func(d *OpenAIDriver) { d.batchSize = size }
}

// WithOpenAIHTTPClient swaps the underlying HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(d *OpenAIDriver) { d.client = c }
}

// NewOpenAIDriver creates an OpenAI embedding driver for the given model.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:    apiKey,
		model:     model,
		endpoint:  openAIDefaultEndpoint,
		batchSize: 2048,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string      { return "openai" }
func (d *OpenAIDriver) Dimensions() int   { return ModelDimensions(d.model) }
func (d *OpenAIDriver) MaxBatchSize() int { return d.batchSize }

// Embed generates one vector per text, in input order. The API may return
// items out of order, so results are placed by index.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > d.batchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(texts), d.batchSize)
	}

	payload := struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}{Input: texts, Model: d.model}

	var result struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error,omitempty"`
	}

	header := http.Header{"Authorization": []string{"Bearer " + d.apiKey}}
	if err := postJSON(ctx, d.client, d.endpoint, header, payload, &result); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s (%s)", result.Error.Message, result.Error.Type)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d texts", len(result.Data), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// HealthCheck embeds a short probe string to verify the key and endpoint.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"ping"})
	return err
}

// postJSON posts a JSON payload and decodes a JSON response, bounding how
// much of an error body ends up in the returned error.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
