// Package syncer keeps the vector index synchronized with the resource
// catalog. It consumes change events, runs full or incremental sync tasks
// over a bounded worker pool with per-resource exclusivity, and tracks
// progress through the SyncTask state machine.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/events"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

const (
	// embedRetries is the retry budget per resource before it is flagged failed.
	embedRetries = 3

	// dedupeWindow is how long a (table, record_id) event key suppresses
	// duplicate deliveries.
	dedupeWindow = 30 * time.Second
)

// Invalidator drops cached discovery results involving a resource after its
// vectors change.
type Invalidator interface {
	InvalidateResource(resourceID string)
}

// Scheduler drives vectorization sync.
type Scheduler struct {
	store    store.Store
	index    vectorindex.Index
	pipeline *embeddings.Pipeline
	live     *config.Live

	mu       sync.Mutex
	inflight map[string]bool          // resource ids currently being processed
	cancels  map[string]chan struct{} // task id → cancellation signal
	dedupe   map[string]time.Time     // event key → last handled

	invalidator Invalidator
	eventPool   pond.Pool
	unsubscribe func()
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a sync scheduler and subscribes it to the change event bus.
func New(s store.Store, ix vectorindex.Index, pipe *embeddings.Pipeline, live *config.Live, bus events.Bus) *Scheduler {
	sc := &Scheduler{
		store:     s,
		index:     ix,
		pipeline:  pipe,
		live:      live,
		inflight:  make(map[string]bool),
		cancels:   make(map[string]chan struct{}),
		dedupe:    make(map[string]time.Time),
		eventPool: pond.NewPool(live.Snapshot().MaxConcurrentTasks),
		stopCh:    make(chan struct{}),
	}
	sc.unsubscribe = bus.Subscribe(sc.handleEvent)
	return sc
}

// SetInvalidator wires the query cache in after construction.
func (sc *Scheduler) SetInvalidator(inv Invalidator) { sc.invalidator = inv }

// Stop unsubscribes from the bus and drains event workers.
func (sc *Scheduler) Stop() {
	sc.stopOnce.Do(func() {
		close(sc.stopCh)
		if sc.unsubscribe != nil {
			sc.unsubscribe()
		}
		sc.eventPool.StopAndWait()
	})
}

// ── Sync tasks ───────────────────────────────────────────────

// StartSync launches a sync task, or returns the running task's id when one
// is already active for the sync operation type. The bool reports whether a
// new task was accepted.
func (sc *Scheduler) StartSync(ctx context.Context, forceFull bool) (string, bool, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if active, err := sc.store.ActiveTask(ctx, models.OpSync); err != nil {
		return "", false, err
	} else if active != nil {
		return active.TaskID, false, nil
	}

	task := &models.SyncTask{
		TaskID:        uuid.NewString(),
		OperationType: models.OpSync,
		State:         models.TaskPending,
		ForceFull:     forceFull,
		CreatedAt:     time.Now().UTC(),
	}
	if err := sc.store.CreateTask(ctx, task); err != nil {
		return "", false, err
	}
	sc.cancels[task.TaskID] = make(chan struct{})

	go sc.run(task)
	log.Info().Str("task", task.TaskID).Bool("force_full", forceFull).Msg("Sync task accepted")
	return task.TaskID, true, nil
}

// GetTaskStatus returns the current state of a task.
func (sc *Scheduler) GetTaskStatus(ctx context.Context, taskID string) (*models.SyncTask, error) {
	return sc.store.GetTask(ctx, taskID)
}

// Cancel requests cooperative cancellation of a running task. Workers check
// between resources, never mid-embedding; remaining items are skipped and
// the task finalizes as failed with a cancellation reason.
func (sc *Scheduler) Cancel(taskID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ch, ok := sc.cancels[taskID]
	if !ok {
		return &models.NotFoundError{Entity: "task", Key: taskID}
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

func (sc *Scheduler) run(task *models.SyncTask) {
	ctx := context.Background()
	settings := sc.live.Snapshot()

	sc.mu.Lock()
	cancelCh := sc.cancels[task.TaskID]
	sc.mu.Unlock()

	targets, err := sc.enumerate(ctx, task.ForceFull)
	if err != nil {
		sc.finalize(ctx, task, models.TaskFailed, fmt.Sprintf("enumerate resources: %v", err))
		return
	}

	now := time.Now().UTC()
	task.State = models.TaskRunning
	task.StartedAt = &now
	task.TotalItems = len(targets)
	if err := sc.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Str("task", task.TaskID).Msg("Sync task update failed")
		return
	}

	var taskMu sync.Mutex
	cancelled := false
	pool := pond.NewPool(settings.MaxConcurrentTasks)

	for i := range targets {
		res := targets[i]
		pool.Submit(func() {
			select {
			case <-cancelCh:
				taskMu.Lock()
				cancelled = true
				task.SkippedItems++
				task.ProcessedItems++
				_ = sc.store.UpdateTask(ctx, task)
				taskMu.Unlock()
				return
			default:
			}

			processed, err := sc.processResource(ctx, res.ResourceID)

			taskMu.Lock()
			task.ProcessedItems++
			switch {
			case err != nil:
				task.FailedItems++
				log.Warn().Err(err).Str("resource", res.ResourceID).Str("task", task.TaskID).Msg("Resource sync failed")
			case processed:
				task.SuccessfulItems++
			default:
				// Held by another worker or deleted while queued.
				task.SkippedItems++
			}
			_ = sc.store.UpdateTask(ctx, task)
			taskMu.Unlock()
		})
	}
	pool.StopAndWait()

	switch {
	case cancelled:
		sc.finalize(ctx, task, models.TaskFailed, "cancelled")
	case task.FailedItems > 0:
		sc.finalize(ctx, task, models.TaskCompleted,
			fmt.Sprintf("completed with %d/%d failures", task.FailedItems, task.TotalItems))
	default:
		sc.finalize(ctx, task, models.TaskCompleted, fmt.Sprintf("synced %d resources", task.SuccessfulItems))
	}
}

func (sc *Scheduler) finalize(ctx context.Context, task *models.SyncTask, state models.TaskState, result string) {
	now := time.Now().UTC()
	task.State = state
	task.EndedAt = &now
	if state == models.TaskFailed {
		task.Error = result
	} else {
		task.Result = result
	}
	if err := sc.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Str("task", task.TaskID).Msg("Sync task finalize failed")
	}

	sc.mu.Lock()
	delete(sc.cancels, task.TaskID)
	sc.mu.Unlock()

	log.Info().Str("task", task.TaskID).Str("state", string(state)).
		Int("ok", task.SuccessfulItems).Int("failed", task.FailedItems).Int("skipped", task.SkippedItems).
		Msg("Sync task finished")
}

// enumerate picks the resources a task must touch: everything active for a
// full sync, otherwise only resources never vectorized or whose composite
// content hash no longer matches the stored vector.
func (sc *Scheduler) enumerate(ctx context.Context, forceFull bool) ([]models.ResourceRecord, error) {
	all, err := sc.store.ListResources(ctx, store.ResourceFilter{Status: models.StatusActive})
	if err != nil {
		return nil, err
	}
	if forceFull {
		return all, nil
	}

	var changed []models.ResourceRecord
	for i := range all {
		r := &all[i]
		if r.VectorizationStatus != models.VectorizationCompleted {
			changed = append(changed, *r)
			continue
		}
		stored, err := sc.index.Get(ctx, r.ResourceID, models.VectorComposite)
		if err != nil {
			return nil, err
		}
		if stored == nil || stored.ContentHash != embeddings.ResourceHash(r) {
			changed = append(changed, *r)
		}
	}
	return changed, nil
}

// processResource re-embeds every facet of one resource. Per-resource
// exclusivity: a resource already in flight (event-driven or from another
// path) is left to the worker that owns it and reported as not processed.
func (sc *Scheduler) processResource(ctx context.Context, resourceID string) (bool, error) {
	if !sc.acquire(resourceID) {
		return false, nil
	}
	defer sc.release(resourceID)

	r, err := sc.store.GetResource(ctx, resourceID)
	if err != nil {
		if models.IsNotFound(err) {
			// Deleted while queued.
			return false, nil
		}
		return false, err
	}

	settings := sc.live.Snapshot()
	if err := sc.store.SetVectorizationStatus(ctx, resourceID, models.VectorizationProcessing); err != nil {
		return false, err
	}

	embedOne := func(vt models.VectorType) error {
		prev, err := sc.index.Get(ctx, resourceID, vt)
		if err != nil {
			return backoff.Permanent(err)
		}
		prevHash := ""
		if prev != nil {
			prevHash = prev.ContentHash
		}

		callCtx, cancel := context.WithTimeout(ctx, time.Duration(settings.RequestTimeoutSecs)*time.Second)
		defer cancel()

		rec, changed, err := sc.pipeline.Embed(callCtx, settings.EmbeddingModel, r, vt, prevHash)
		if err != nil {
			var embErr *models.EmbeddingError
			if errors.As(err, &embErr) {
				return err // transient: retry with backoff
			}
			return backoff.Permanent(err)
		}
		if !changed {
			return nil
		}
		return sc.index.Upsert(ctx, rec, r.ResourceType, r.Status == models.StatusActive)
	}

	for _, vt := range models.AllVectorTypes {
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), embedRetries)
		if err := backoff.Retry(func() error { return embedOne(vt) }, backoff.WithContext(bo, ctx)); err != nil {
			_ = sc.store.SetVectorizationStatus(ctx, resourceID, models.VectorizationFailed)
			_ = sc.index.SetSearchable(ctx, resourceID, false)
			return false, &models.SyncError{ResourceID: resourceID, Err: err}
		}
	}

	if err := sc.store.SetVectorizationStatus(ctx, resourceID, models.VectorizationCompleted); err != nil {
		return false, err
	}
	if err := sc.index.SetSearchable(ctx, resourceID, true); err != nil {
		return false, err
	}
	if sc.invalidator != nil {
		sc.invalidator.InvalidateResource(resourceID)
	}
	return true, nil
}

func (sc *Scheduler) acquire(resourceID string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.inflight[resourceID] {
		return false
	}
	sc.inflight[resourceID] = true
	return true
}

func (sc *Scheduler) release(resourceID string) {
	sc.mu.Lock()
	delete(sc.inflight, resourceID)
	sc.mu.Unlock()
}

// ── Change event consumption ─────────────────────────────────

// handleEvent is the single dispatcher for bus events. Delivery is
// at-least-once; duplicates within the dedupe window are dropped by
// (table, record_id) key.
func (sc *Scheduler) handleEvent(e events.Event) {
	if sc.isDuplicate(e) {
		return
	}

	switch e.Operation {
	case events.OpDelete:
		// Deletions take effect immediately, independent of any running task.
		if err := sc.index.Remove(context.Background(), e.RecordID); err != nil {
			log.Warn().Err(err).Str("resource", e.RecordID).Msg("Vector removal failed")
		}
		if sc.invalidator != nil {
			sc.invalidator.InvalidateResource(e.RecordID)
		}
	case events.OpInsert, events.OpUpdate:
		sc.eventPool.Submit(func() {
			if _, err := sc.processResource(context.Background(), e.RecordID); err != nil {
				log.Warn().Err(err).Str("resource", e.RecordID).Msg("Event-driven resync failed")
			}
		})
	}
}

func (sc *Scheduler) isDuplicate(e events.Event) bool {
	now := time.Now()
	key := string(e.Operation) + ":" + e.Key()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if seen, ok := sc.dedupe[key]; ok && now.Sub(seen) < dedupeWindow {
		return true
	}
	sc.dedupe[key] = now
	// Opportunistic pruning keeps the window map small.
	if len(sc.dedupe) > 4096 {
		for k, t := range sc.dedupe {
			if now.Sub(t) >= dedupeWindow {
				delete(sc.dedupe, k)
			}
		}
	}
	return false
}

// ── Auto-sync loop ───────────────────────────────────────────

// StartAutoSync runs incremental syncs on the configured interval. The
// interval and enablement are re-read every tick, so config changes take
// effect without a restart.
func (sc *Scheduler) StartAutoSync(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		var lastSync time.Time
		for {
			select {
			case <-ticker.C:
				settings := sc.live.Snapshot()
				if !settings.AutoSyncEnabled {
					continue
				}
				if time.Since(lastSync) < time.Duration(settings.SyncIntervalMinutes)*time.Minute {
					continue
				}
				lastSync = time.Now()
				if _, accepted, err := sc.StartSync(ctx, false); err != nil {
					log.Warn().Err(err).Msg("Auto-sync failed to start")
				} else if accepted {
					log.Debug().Msg("Auto-sync started")
				}
			case <-sc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
