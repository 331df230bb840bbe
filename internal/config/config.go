// Package config holds static process configuration (env-loaded) and the
// runtime-mutable discovery settings exposed through the config API.
package config

import (
	"errors"
	"math"
	"os"
	"strconv"
)

// Config holds all configuration for the discovery engine process.
type Config struct {
	Port    int
	Version string

	// DatabaseURL, when set, switches the vector index to pgvector.
	DatabaseURL string

	// OpenAIAPIKey enables the OpenAI embedding driver.
	OpenAIAPIKey string
	// OllamaEndpoint enables the Ollama embedding driver.
	OllamaEndpoint string

	Telemetry TelemetryConfig
	Discovery Settings
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of traces exported, (0,1]. 1 keeps all.
	SampleRatio float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:           envInt("QUERYHIVE_PORT", 8080),
		Version:        envStr("QUERYHIVE_VERSION", "0.4.0"),
		DatabaseURL:    envStr("QUERYHIVE_DATABASE_URL", ""),
		OpenAIAPIKey:   envStr("OPENAI_API_KEY", ""),
		OllamaEndpoint: envStr("QUERYHIVE_OLLAMA_ENDPOINT", ""),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "queryhive-discovery-engine"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
		},
		Discovery: Settings{
			AutoSyncEnabled:     envBool("QUERYHIVE_AUTO_SYNC_ENABLED", true),
			SyncIntervalMinutes: envInt("QUERYHIVE_SYNC_INTERVAL_MINUTES", 30),
			BatchSize:           envInt("QUERYHIVE_BATCH_SIZE", 64),
			SimilarityThreshold: envFloat("QUERYHIVE_SIMILARITY_THRESHOLD", 0.3),
			EmbeddingModel:      envStr("QUERYHIVE_EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxConcurrentTasks:  envInt("QUERYHIVE_MAX_CONCURRENT_TASKS", 4),
			RequestTimeoutSecs:  envInt("QUERYHIVE_REQUEST_TIMEOUT_SECONDS", 30),
			CacheTTLSeconds:     envInt("QUERYHIVE_CACHE_TTL_SECONDS", 300),
			Weights:             DefaultWeights(),
			Buckets:             DefaultBuckets(),
		},
	}
}

// ── Runtime settings ─────────────────────────────────────────

// Settings are the recognized runtime-mutable keys plus ranking parameters.
// Every mutation goes through Validate before being applied.
type Settings struct {
	AutoSyncEnabled     bool              `json:"auto_sync_enabled"`
	SyncIntervalMinutes int               `json:"sync_interval_minutes"`
	BatchSize           int               `json:"batch_size"`
	SimilarityThreshold float64           `json:"similarity_threshold"`
	EmbeddingModel      string            `json:"embedding_model"`
	MaxConcurrentTasks  int               `json:"max_concurrent_tasks"`
	RequestTimeoutSecs  int               `json:"request_timeout_seconds"`
	CacheTTLSeconds     int               `json:"cache_ttl_seconds"`
	Weights             ConfidenceWeights `json:"confidence_weights"`
	Buckets             BucketThresholds  `json:"confidence_buckets"`
}

// ConfidenceWeights control how similarity, usage history, performance and
// caller context fuse into one confidence score. Must sum to 1.
type ConfidenceWeights struct {
	Similarity   float64 `json:"similarity"`
	UsageHistory float64 `json:"usage_history"`
	Performance  float64 `json:"performance"`
	Context      float64 `json:"context"`
}

// DefaultWeights returns the documented default fusion weights.
func DefaultWeights() ConfidenceWeights {
	return ConfidenceWeights{Similarity: 0.6, UsageHistory: 0.2, Performance: 0.1, Context: 0.1}
}

// Valid reports whether weights are non-negative and sum to 1 (within epsilon).
func (w ConfidenceWeights) Valid() bool {
	if w.Similarity < 0 || w.UsageHistory < 0 || w.Performance < 0 || w.Context < 0 {
		return false
	}
	sum := w.Similarity + w.UsageHistory + w.Performance + w.Context
	return math.Abs(sum-1.0) < 1e-6
}

// BucketThresholds are the presentation cut points between confidence
// buckets. Configuration, not a hard contract.
type BucketThresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
	Low    float64 `json:"low"`
}

// DefaultBuckets returns the documented default bucket boundaries.
func DefaultBuckets() BucketThresholds {
	return BucketThresholds{High: 0.7, Medium: 0.4, Low: 0.2}
}

// Valid reports whether thresholds are in [0,1] and strictly descending.
func (b BucketThresholds) Valid() bool {
	return b.High <= 1 && b.High > b.Medium && b.Medium > b.Low && b.Low >= 0
}

var (
	ErrWeights     = errors.New("confidence weights must be non-negative and sum to 1")
	ErrBuckets     = errors.New("confidence bucket thresholds must descend within [0,1]")
	ErrInterval    = errors.New("sync_interval_minutes must be >= 1")
	ErrBatch       = errors.New("batch_size must be >= 1")
	ErrThreshold   = errors.New("similarity_threshold must be in [0,1]")
	ErrConcurrency = errors.New("max_concurrent_tasks must be >= 1")
	ErrTimeout     = errors.New("request_timeout_seconds must be >= 1")
	ErrCacheTTL    = errors.New("cache_ttl_seconds must be >= 1")
)

// Validate checks the whole settings object; rejected settings are never applied.
func (s Settings) Validate() error {
	if !s.Weights.Valid() {
		return ErrWeights
	}
	if !s.Buckets.Valid() {
		return ErrBuckets
	}
	if s.SyncIntervalMinutes < 1 {
		return ErrInterval
	}
	if s.BatchSize < 1 {
		return ErrBatch
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return ErrThreshold
	}
	if s.MaxConcurrentTasks < 1 {
		return ErrConcurrency
	}
	if s.RequestTimeoutSecs < 1 {
		return ErrTimeout
	}
	if s.CacheTTLSeconds < 1 {
		return ErrCacheTTL
	}
	return nil
}

// ── Env helpers ──────────────────────────────────────────────

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
