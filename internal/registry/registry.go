// Package registry is the authoritative catalog of discoverable resources.
// It owns ResourceRecord lifecycle; every content-affecting mutation flips
// vectorization back to pending and announces the change on the event bus.
// Stale vectors stay searchable until the next resync so a re-registered
// resource never disappears from discovery.
package registry

import (
	"context"
	"reflect"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/events"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// EventTable is the logical table name registry mutations are published under.
const EventTable = "resources"

// Invalidator drops cached discovery results that involve a resource.
// Implemented by the query cache.
type Invalidator interface {
	InvalidateResource(resourceID string)
}

// Registry manages the resource catalog.
type Registry struct {
	store       store.Store
	index       vectorindex.Index
	bus         events.Bus
	invalidator Invalidator
}

// New creates a registry. The invalidator may be nil until the query cache
// is wired in (SetInvalidator).
func New(s store.Store, ix vectorindex.Index, bus events.Bus) *Registry {
	return &Registry{store: s, index: ix, bus: bus}
}

// SetInvalidator wires the query cache in after construction. The cache
// depends on the matcher, which depends on the registry, so this edge is
// connected last.
func (r *Registry) SetInvalidator(inv Invalidator) { r.invalidator = inv }

// Register creates or updates a resource. Idempotent on the caller-supplied
// resource id: re-registering identical content is a no-op; any changed
// field updates the record and publishes an update event, and vectorization
// flips back to pending only when the embedded projection itself changed.
func (r *Registry) Register(ctx context.Context, rec *models.ResourceRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	existing, err := r.store.GetResource(ctx, rec.ResourceID)
	if err != nil && !models.IsNotFound(err) {
		return "", err
	}

	op := events.OpInsert
	rec.Status = statusOrDefault(rec.Status)
	rec.VectorizationStatus = models.VectorizationPending
	if existing != nil {
		if sameContent(existing, rec) && existing.Status == rec.Status {
			// Nothing changed — keep counters, timestamps and vectors as-is.
			return rec.ResourceID, nil
		}
		op = events.OpUpdate
		rec.UsageCount = existing.UsageCount
		rec.SuccessRate = existing.SuccessRate
		rec.AvgResponseTime = existing.AvgResponseTime
		rec.CreatedAt = existing.CreatedAt
		if embeddings.ResourceHash(existing) == embeddings.ResourceHash(rec) {
			// Embedded projection unchanged; only catalog fields (tags,
			// metadata, provenance) moved, so existing vectors stay valid.
			rec.VectorizationStatus = existing.VectorizationStatus
		}
	} else {
		rec.CreatedAt = now
	}

	rec.UpdatedAt = now

	if err := r.store.PutResource(ctx, rec); err != nil {
		return "", err
	}

	if op == events.OpUpdate && r.invalidator != nil {
		// Tags and metadata feed scoring, so cached rankings are stale
		// even when the vectors are not.
		r.invalidator.InvalidateResource(rec.ResourceID)
	}
	r.bus.Publish(events.Event{Operation: op, Table: EventTable, RecordID: rec.ResourceID, At: now})
	log.Info().Str("resource", rec.ResourceID).Str("type", string(rec.ResourceType)).Str("op", string(op)).Msg("Resource registered")
	return rec.ResourceID, nil
}

// Deactivate removes a resource from active discovery without deleting it.
func (r *Registry) Deactivate(ctx context.Context, resourceID string) error {
	rec, err := r.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	rec.Status = models.StatusInactive
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.PutResource(ctx, rec); err != nil {
		return err
	}
	if err := r.index.SetActive(ctx, resourceID, false); err != nil {
		return err
	}
	if r.invalidator != nil {
		r.invalidator.InvalidateResource(resourceID)
	}
	log.Info().Str("resource", resourceID).Msg("Resource deactivated")
	return nil
}

// Delete removes a resource and cascades its vectors, health record and
// usage stats.
// Cannot be undone; the resource is excluded from discovery immediately,
// without waiting for the next sync.
func (r *Registry) Delete(ctx context.Context, resourceID string) error {
	if err := r.store.DeleteResource(ctx, resourceID); err != nil {
		return err
	}
	if err := r.index.Remove(ctx, resourceID); err != nil {
		log.Warn().Err(err).Str("resource", resourceID).Msg("Vector cascade failed")
	}
	if err := r.store.DeleteHealth(ctx, resourceID); err != nil {
		log.Warn().Err(err).Str("resource", resourceID).Msg("Health cascade failed")
	}
	if err := r.store.DeleteStats(ctx, resourceID); err != nil {
		log.Warn().Err(err).Str("resource", resourceID).Msg("Stats cascade failed")
	}
	if r.invalidator != nil {
		r.invalidator.InvalidateResource(resourceID)
	}

	r.bus.Publish(events.Event{Operation: events.OpDelete, Table: EventTable, RecordID: resourceID, At: time.Now().UTC()})
	log.Info().Str("resource", resourceID).Msg("Resource deleted")
	return nil
}

// Get returns one resource record.
func (r *Registry) Get(ctx context.Context, resourceID string) (*models.ResourceRecord, error) {
	return r.store.GetResource(ctx, resourceID)
}

// List returns resources matching the filter.
func (r *Registry) List(ctx context.Context, filter store.ResourceFilter) ([]models.ResourceRecord, error) {
	return r.store.ListResources(ctx, filter)
}

// sameContent reports whether two records carry the same caller-owned
// content, including the fields that never reach the embedding projection.
func sameContent(a, b *models.ResourceRecord) bool {
	sameMetadata := len(a.Metadata) == 0 && len(b.Metadata) == 0 ||
		reflect.DeepEqual(a.Metadata, b.Metadata)
	return a.ResourceType == b.ResourceType &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.SourceTable == b.SourceTable &&
		a.SourceID == b.SourceID &&
		slices.Equal(a.Capabilities, b.Capabilities) &&
		slices.Equal(a.Tags, b.Tags) &&
		sameMetadata
}

func statusOrDefault(s models.ResourceStatus) models.ResourceStatus {
	if s == "" {
		return models.StatusActive
	}
	return s
}
