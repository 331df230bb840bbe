package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Live is the hot-reloadable settings holder. Reads take a snapshot copy;
// writes validate the full settings object before swapping it in, so
// components never observe a half-applied or invalid configuration.
type Live struct {
	mu       sync.RWMutex
	settings Settings
}

// NewLive creates a live settings holder. Panics on invalid initial settings
// since that is a startup bug, not a runtime condition.
func NewLive(initial Settings) *Live {
	if err := initial.Validate(); err != nil {
		panic(fmt.Sprintf("config: invalid initial settings: %v", err))
	}
	return &Live{settings: initial}
}

// Snapshot returns a copy of the current settings.
func (l *Live) Snapshot() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Replace validates and swaps in a complete settings object.
func (l *Live) Replace(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.settings = s
	l.mu.Unlock()
	return nil
}

// Set applies a single recognized key. The value is interpreted the way a
// JSON-decoded request body delivers it (float64 for numbers, bool, string,
// or a nested object for confidence_weights).
func (l *Live) Set(key string, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.settings
	if err := applyKey(&next, key, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	l.settings = next
	return nil
}

// Apply stages a whole patch of keys and swaps it in atomically: if any key
// is unrecognized, mistyped or leaves the settings invalid, nothing changes.
func (l *Live) Apply(patch map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.settings
	for key, value := range patch {
		if err := applyKey(&next, key, value); err != nil {
			return err
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	l.settings = next
	return nil
}

func applyKey(next *Settings, key string, value any) error {
	switch key {
	case "auto_sync_enabled":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config: %s expects a boolean", key)
		}
		next.AutoSyncEnabled = b
	case "sync_interval_minutes":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.SyncIntervalMinutes = n
	case "batch_size":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.BatchSize = n
	case "similarity_threshold":
		f, err := asFloat(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.SimilarityThreshold = f
	case "embedding_model":
		s, ok := value.(string)
		if !ok || s == "" {
			return fmt.Errorf("config: %s expects a non-empty string", key)
		}
		next.EmbeddingModel = s
	case "max_concurrent_tasks":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.MaxConcurrentTasks = n
	case "request_timeout_seconds":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.RequestTimeoutSecs = n
	case "cache_ttl_seconds":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.CacheTTLSeconds = n
	case "confidence_weights":
		var w ConfidenceWeights
		if err := reencode(value, &w); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.Weights = w
	case "confidence_buckets":
		var b BucketThresholds
		if err := reencode(value, &b); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		next.Buckets = b
	default:
		return fmt.Errorf("config: unrecognized key %q", key)
	}
	return nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("expects a number, got %T", v)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expects a number, got %T", v)
}

// reencode marshals a decoded JSON value back and into a typed struct.
func reencode(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
