// Package health periodically probes active resources through
// collaborator-supplied probers and maintains per-resource health records
// consumed by the confidence scorer.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/pkg/contracts"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// warnLatencyMS is the probe latency above which a reachable resource is
// scored degraded rather than healthy.
const warnLatencyMS = 2000

// Monitor drives periodic health checks.
type Monitor struct {
	store   store.Store
	live    *config.Live
	mu      sync.RWMutex
	probers map[models.ResourceType]contracts.Prober
	stopCh  chan struct{}
	running bool
}

// NewMonitor creates a health monitor. Probers are registered per resource
// type; resources without a prober stay at health unknown.
func NewMonitor(s store.Store, live *config.Live) *Monitor {
	return &Monitor{
		store:   s,
		live:    live,
		probers: make(map[models.ResourceType]contracts.Prober),
		stopCh:  make(chan struct{}),
	}
}

// RegisterProber installs the health-check capability for a resource type.
func (m *Monitor) RegisterProber(t models.ResourceType, p contracts.Prober) {
	m.mu.Lock()
	m.probers[t] = p
	m.mu.Unlock()
	log.Info().Str("type", string(t)).Msg("Health prober registered")
}

// Start begins the periodic probe loop.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if m.running {
		return
	}
	m.running = true

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("Health monitor started")
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// RunOnce probes every active resource. Probe failures downgrade the health
// record; they are never surfaced to discovery callers.
func (m *Monitor) RunOnce(ctx context.Context) {
	resources, err := m.store.ListResources(ctx, store.ResourceFilter{Status: models.StatusActive})
	if err != nil {
		log.Warn().Err(err).Msg("Health sweep: listing resources failed")
		return
	}

	timeout := time.Duration(m.live.Snapshot().RequestTimeoutSecs) * time.Second
	for i := range resources {
		m.probe(ctx, &resources[i], timeout)
	}
}

func (m *Monitor) probe(ctx context.Context, r *models.ResourceRecord, timeout time.Duration) {
	m.mu.RLock()
	prober := m.probers[r.ResourceType]
	m.mu.RUnlock()

	now := time.Now().UTC()
	rec := &models.HealthRecord{ResourceID: r.ResourceID, Status: models.HealthUnknown, LastCheckedAt: now}

	if prober == nil {
		_ = m.store.PutHealth(ctx, rec)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	result := prober.Probe(probeCtx, r)
	cancel()

	observed := 0.0
	switch {
	case result.OK && result.LatencyMS <= warnLatencyMS:
		observed = 1.0
	case result.OK:
		observed = 0.5
	}
	if result.Err != nil {
		rec.Detail = result.Err.Error()
	}
	rec.LatencyMS = result.LatencyMS

	// Smooth against the previous score so one flaky probe degrades the
	// resource instead of flipping it straight to error.
	score := observed
	if prev, err := m.store.GetHealth(ctx, r.ResourceID); err == nil && prev.Status != models.HealthUnknown {
		score = 0.6*observed + 0.4*prev.Score
	}
	rec.Score = score
	rec.Status = statusFor(score)

	if err := m.store.PutHealth(ctx, rec); err != nil {
		log.Warn().Err(err).Str("resource", r.ResourceID).Msg("Health record write failed")
		return
	}
	if rec.Status == models.HealthError {
		log.Warn().Str("resource", r.ResourceID).Float64("score", score).Msg("Resource health degraded to error")
	}
}

func statusFor(score float64) models.HealthStatus {
	switch {
	case score >= 0.8:
		return models.HealthHealthy
	case score >= 0.4:
		return models.HealthWarning
	default:
		return models.HealthError
	}
}
