package config_test

import (
	"errors"
	"testing"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	cfg := config.Load()
	if err := cfg.Discovery.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if !cfg.Discovery.Weights.Valid() {
		t.Error("default weights do not sum to 1")
	}
	if !cfg.Discovery.Buckets.Valid() {
		t.Error("default bucket thresholds not descending")
	}
}

func TestWeightsValidation(t *testing.T) {
	cases := []struct {
		name string
		w    config.ConfidenceWeights
		want bool
	}{
		{"defaults", config.DefaultWeights(), true},
		{"custom sum 1", config.ConfidenceWeights{Similarity: 0.5, UsageHistory: 0.3, Performance: 0.1, Context: 0.1}, true},
		{"sum above 1", config.ConfidenceWeights{Similarity: 0.6, UsageHistory: 0.3, Performance: 0.2, Context: 0.1}, false},
		{"sum below 1", config.ConfidenceWeights{Similarity: 0.5, UsageHistory: 0.2, Performance: 0.1, Context: 0.1}, false},
		{"negative component", config.ConfidenceWeights{Similarity: 1.2, UsageHistory: -0.2, Performance: 0, Context: 0}, false},
	}
	for _, tc := range cases {
		if got := tc.w.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestLiveSetRejectsInvalid(t *testing.T) {
	live := config.NewLive(config.Load().Discovery)
	before := live.Snapshot()

	cases := []struct {
		key   string
		value any
	}{
		{"sync_interval_minutes", float64(0)},
		{"batch_size", float64(-1)},
		{"similarity_threshold", 1.5},
		{"max_concurrent_tasks", float64(0)},
		{"embedding_model", ""},
		{"cache_ttl_seconds", float64(0)},
		{"confidence_weights", map[string]any{"similarity": 0.9, "usage_history": 0.9}},
		{"confidence_buckets", map[string]any{"high": 0.2, "medium": 0.4, "low": 0.7}},
		{"no_such_key", true},
		{"auto_sync_enabled", "yes"}, // wrong type
	}
	for _, tc := range cases {
		if err := live.Set(tc.key, tc.value); err == nil {
			t.Errorf("Set(%q, %v) succeeded, want error", tc.key, tc.value)
		}
	}

	// Nothing was applied.
	if live.Snapshot() != before {
		t.Error("rejected settings mutated the live configuration")
	}
}

func TestLiveSetAppliesValid(t *testing.T) {
	live := config.NewLive(config.Load().Discovery)

	if err := live.Set("similarity_threshold", 0.42); err != nil {
		t.Fatalf("Set(similarity_threshold) error = %v", err)
	}
	if got := live.Snapshot().SimilarityThreshold; got != 0.42 {
		t.Errorf("SimilarityThreshold = %v, want 0.42", got)
	}

	w := map[string]any{"similarity": 0.4, "usage_history": 0.3, "performance": 0.2, "context": 0.1}
	if err := live.Set("confidence_weights", w); err != nil {
		t.Fatalf("Set(confidence_weights) error = %v", err)
	}
	if got := live.Snapshot().Weights.Similarity; got != 0.4 {
		t.Errorf("Weights.Similarity = %v, want 0.4", got)
	}

	if err := live.Set("auto_sync_enabled", false); err != nil {
		t.Fatalf("Set(auto_sync_enabled) error = %v", err)
	}
	if live.Snapshot().AutoSyncEnabled {
		t.Error("AutoSyncEnabled still true after Set(false)")
	}
}

func TestApplyPatchIsAtomic(t *testing.T) {
	live := config.NewLive(config.Load().Discovery)
	before := live.Snapshot()

	// One valid key alongside one invalid: the valid key must not land.
	err := live.Apply(map[string]any{
		"similarity_threshold": 0.5,
		"batch_size":           float64(-1),
	})
	if err == nil {
		t.Fatal("Apply() with an invalid key succeeded, want error")
	}
	if live.Snapshot() != before {
		t.Error("partially-invalid patch mutated the live configuration")
	}

	err = live.Apply(map[string]any{
		"similarity_threshold": 0.5,
		"batch_size":           float64(64),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got := live.Snapshot()
	if got.SimilarityThreshold != 0.5 || got.BatchSize != 64 {
		t.Errorf("Apply() result = threshold %v batch %d, want 0.5 and 64", got.SimilarityThreshold, got.BatchSize)
	}
}

func TestReplaceValidatesWholeObject(t *testing.T) {
	live := config.NewLive(config.Load().Discovery)

	bad := live.Snapshot()
	bad.Weights = config.ConfidenceWeights{Similarity: 1, UsageHistory: 1}
	if err := live.Replace(bad); !errors.Is(err, config.ErrWeights) {
		t.Errorf("Replace() with bad weights error = %v, want ErrWeights", err)
	}

	good := live.Snapshot()
	good.BatchSize = 128
	if err := live.Replace(good); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if live.Snapshot().BatchSize != 128 {
		t.Error("Replace() did not apply")
	}
}
