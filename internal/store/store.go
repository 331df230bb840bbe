// Package store provides the persistence interface and implementations for
// the discovery engine. The in-memory implementation backs tests and
// single-node deployments; the interface mirrors the logical table layout
// (resources, sync tasks, match history, usage stats, health) so a
// PostgreSQL-backed implementation can be swapped in.
package store

import (
	"context"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// Store is the primary storage interface for the discovery engine.
// All components depend on this interface, not on a concrete backend.
type Store interface {
	ResourceStore
	TaskStore
	MatchStore
	StatsStore
	HealthStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Resource Store ───────────────────────────────────────────

// ResourceFilter narrows ListResources.
type ResourceFilter struct {
	Type   models.ResourceType   // zero value = any
	Status models.ResourceStatus // zero value = any
}

type ResourceStore interface {
	// PutResource inserts or replaces a resource record.
	PutResource(ctx context.Context, r *models.ResourceRecord) error

	// GetResource returns a copy of the record, or NotFoundError.
	GetResource(ctx context.Context, resourceID string) (*models.ResourceRecord, error)

	// DeleteResource removes the record. Cascades are the registry's job.
	DeleteResource(ctx context.Context, resourceID string) error

	// ListResources returns records matching the filter, ordered by resource id.
	ListResources(ctx context.Context, filter ResourceFilter) ([]models.ResourceRecord, error)

	// SetVectorizationStatus updates only the vectorization status.
	SetVectorizationStatus(ctx context.Context, resourceID string, status models.VectorizationStatus) error

	// ApplyUsage folds a usage observation into the resource counters.
	ApplyUsage(ctx context.Context, resourceID string, success bool, responseTime float64) error
}

// ── Sync Task Store ──────────────────────────────────────────

type TaskStore interface {
	CreateTask(ctx context.Context, task *models.SyncTask) error
	GetTask(ctx context.Context, taskID string) (*models.SyncTask, error)

	// UpdateTask replaces the stored task. Transitions out of a terminal
	// state are rejected.
	UpdateTask(ctx context.Context, task *models.SyncTask) error

	// ActiveTask returns the non-terminal task for an operation type, or nil.
	ActiveTask(ctx context.Context, op models.OperationType) (*models.SyncTask, error)
}

// ── Match History Store ──────────────────────────────────────

type MatchStore interface {
	// AppendMatch records one discovery request. Append-only.
	AppendMatch(ctx context.Context, m *models.MatchQuery) error

	GetMatch(ctx context.Context, matchID string) (*models.MatchQuery, error)

	// SetOutcome attaches the user's selection, execution outcome and
	// feedback to a recorded match.
	SetOutcome(ctx context.Context, matchID, selectedResourceID string, success *bool, feedback models.Feedback, responseTime float64) error

	// ListMatchesSince returns matches created at or after the cutoff.
	ListMatchesSince(ctx context.Context, cutoff time.Time) ([]models.MatchQuery, error)

	// CountMatches returns the total number of recorded matches.
	CountMatches(ctx context.Context) (int64, error)
}

// ── Usage Stats Store ────────────────────────────────────────

type StatsStore interface {
	// UpsertStat replaces the per-(resource, date) aggregate.
	UpsertStat(ctx context.Context, stat *models.UsageStat) error

	// RecentStats returns stats for a resource covering the last n days.
	RecentStats(ctx context.Context, resourceID string, days int) ([]models.UsageStat, error)

	// DeleteStats removes every aggregate for a resource. Idempotent.
	DeleteStats(ctx context.Context, resourceID string) error
}

// ── Health Store ─────────────────────────────────────────────

type HealthStore interface {
	PutHealth(ctx context.Context, rec *models.HealthRecord) error
	GetHealth(ctx context.Context, resourceID string) (*models.HealthRecord, error)
	DeleteHealth(ctx context.Context, resourceID string) error
}
