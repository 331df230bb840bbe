package models

import (
	"errors"
	"fmt"
)

// ── Error taxonomy ───────────────────────────────────────────

// ValidationError reports bad input, rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown resource or task id.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// EmbeddingError reports an embedding-provider failure. Retryable up to the
// scheduler's retry budget, after which the resource is flagged failed.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (model %s): %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// SyncError reports an upstream failure during resync. Recorded on the task,
// never crashes the scheduler.
type SyncError struct {
	ResourceID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %s: %v", e.ResourceID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
