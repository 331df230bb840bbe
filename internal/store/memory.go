// Package store — in-memory Store implementation.
// Backs tests and single-node deployments where the engine's state can be
// rebuilt from upstream via a full sync.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*models.ResourceRecord // key: resource_id
	tasks     map[string]*models.SyncTask       // key: task_id
	matches   []*models.MatchQuery              // append-only log
	matchByID map[string]*models.MatchQuery     // key: match_id
	stats     map[string]*models.UsageStat      // key: resource_id:date
	health    map[string]*models.HealthRecord   // key: resource_id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*models.ResourceRecord),
		tasks:     make(map[string]*models.SyncTask),
		matchByID: make(map[string]*models.MatchQuery),
		stats:     make(map[string]*models.UsageStat),
		health:    make(map[string]*models.HealthRecord),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

// ── Resources ────────────────────────────────────────────────

func (m *MemoryStore) PutResource(_ context.Context, r *models.ResourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ResourceID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetResource(_ context.Context, resourceID string) (*models.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "resource", Key: resourceID}
	}
	return r.Clone(), nil
}

func (m *MemoryStore) DeleteResource(_ context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[resourceID]; !ok {
		return &models.NotFoundError{Entity: "resource", Key: resourceID}
	}
	delete(m.resources, resourceID)
	return nil
}

func (m *MemoryStore) ListResources(_ context.Context, filter ResourceFilter) ([]models.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ResourceRecord
	for _, r := range m.resources {
		if filter.Type != "" && r.ResourceType != filter.Type {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (m *MemoryStore) SetVectorizationStatus(_ context.Context, resourceID string, status models.VectorizationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return &models.NotFoundError{Entity: "resource", Key: resourceID}
	}
	r.VectorizationStatus = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ApplyUsage(_ context.Context, resourceID string, success bool, responseTime float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return &models.NotFoundError{Entity: "resource", Key: resourceID}
	}

	// Running means over all observed uses.
	n := float64(r.UsageCount)
	succ := 0.0
	if success {
		succ = 1.0
	}
	r.SuccessRate = (r.SuccessRate*n + succ) / (n + 1)
	if responseTime > 0 {
		r.AvgResponseTime = (r.AvgResponseTime*n + responseTime) / (n + 1)
	}
	r.UsageCount++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Sync Tasks ───────────────────────────────────────────────

func (m *MemoryStore) CreateTask(_ context.Context, task *models.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.TaskID]; exists {
		return fmt.Errorf("task already exists: %s", task.TaskID)
	}
	cp := *task
	m.tasks[task.TaskID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*models.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", Key: taskID}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *models.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.TaskID]
	if !ok {
		return &models.NotFoundError{Entity: "task", Key: task.TaskID}
	}
	// Terminal states are final.
	if cur.State.Terminal() && cur.State != task.State {
		return fmt.Errorf("task %s is %s and cannot transition to %s", task.TaskID, cur.State, task.State)
	}
	cp := *task
	m.tasks[task.TaskID] = &cp
	return nil
}

func (m *MemoryStore) ActiveTask(_ context.Context, op models.OperationType) (*models.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.OperationType == op && !t.State.Terminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

// ── Match History ────────────────────────────────────────────

func (m *MemoryStore) AppendMatch(_ context.Context, match *models.MatchQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *match
	m.matches = append(m.matches, &cp)
	m.matchByID[match.MatchID] = &cp
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, matchID string) (*models.MatchQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matchByID[matchID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "match", Key: matchID}
	}
	cp := *match
	return &cp, nil
}

func (m *MemoryStore) SetOutcome(_ context.Context, matchID, selectedResourceID string, success *bool, feedback models.Feedback, responseTime float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matchByID[matchID]
	if !ok {
		return &models.NotFoundError{Entity: "match", Key: matchID}
	}
	if selectedResourceID != "" {
		match.SelectedResourceID = selectedResourceID
	}
	if success != nil {
		v := *success
		match.Success = &v
	}
	if feedback != "" {
		match.Feedback = feedback
	}
	if responseTime > 0 {
		match.ResponseTime = responseTime
	}
	return nil
}

func (m *MemoryStore) ListMatchesSince(_ context.Context, cutoff time.Time) ([]models.MatchQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MatchQuery
	for _, match := range m.matches {
		if !match.CreatedAt.Before(cutoff) {
			out = append(out, *match)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountMatches(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matches)), nil
}

// ── Usage Stats ──────────────────────────────────────────────

func statKey(resourceID, date string) string { return resourceID + ":" + date }

func (m *MemoryStore) UpsertStat(_ context.Context, stat *models.UsageStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stat
	m.stats[statKey(stat.ResourceID, stat.Date)] = &cp
	return nil
}

func (m *MemoryStore) RecentStats(_ context.Context, resourceID string, days int) ([]models.UsageStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var out []models.UsageStat
	for _, s := range m.stats {
		if s.ResourceID == resourceID && s.Date >= cutoff {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) DeleteStats(_ context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.stats {
		if s.ResourceID == resourceID {
			delete(m.stats, k)
		}
	}
	return nil
}

// ── Health ───────────────────────────────────────────────────

func (m *MemoryStore) PutHealth(_ context.Context, rec *models.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.health[rec.ResourceID] = &cp
	return nil
}

func (m *MemoryStore) GetHealth(_ context.Context, resourceID string) (*models.HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.health[resourceID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "health record", Key: resourceID}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) DeleteHealth(_ context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, resourceID)
	return nil
}
