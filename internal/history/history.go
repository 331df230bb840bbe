// Package history records every discovery request asynchronously and rolls
// match history up into per-resource daily usage statistics that feed back
// into confidence scoring.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

const defaultBuffer = 512

// Recorder appends MatchQuery rows off the discovery hot path. Recording is
// fire-and-forget: a full buffer drops the record with a warning rather than
// slowing or failing the discovery response.
type Recorder struct {
	store store.MatchStore
	ch    chan *models.MatchQuery
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRecorder creates and starts the async recorder.
func NewRecorder(s store.MatchStore) *Recorder {
	r := &Recorder{
		store: s,
		ch:    make(chan *models.MatchQuery, defaultBuffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one match for persistence. Never blocks.
func (r *Recorder) Record(m *models.MatchQuery) {
	select {
	case r.ch <- m:
	default:
		log.Warn().Str("match", m.MatchID).Msg("Match history buffer full, dropping record")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for m := range r.ch {
		if err := r.store.AppendMatch(context.Background(), m); err != nil {
			log.Warn().Err(err).Str("match", m.MatchID).Msg("Match history write failed")
		}
	}
}

// Close drains pending records and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.ch) })
	r.wg.Wait()
}

// ── Rollup ───────────────────────────────────────────────────

// Rollup aggregates match history into per-(resource, date) UsageStat rows.
type Rollup struct {
	store store.Store

	// WindowDays bounds how far back one run re-aggregates. Re-running over
	// the same window is safe: stats are upserted, not incremented.
	WindowDays int
}

// NewRollup creates a rollup job over the last windowDays of history.
func NewRollup(s store.Store, windowDays int) *Rollup {
	if windowDays < 1 {
		windowDays = 7
	}
	return &Rollup{store: s, WindowDays: windowDays}
}

// Run aggregates the window once.
func (r *Rollup) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.WindowDays).Truncate(24 * time.Hour)
	matches, err := r.store.ListMatchesSince(ctx, cutoff)
	if err != nil {
		return err
	}

	type agg struct {
		total, successful, selections int64
		positive, negative            int64
		simSum, respSum               float64
		respCount                     int64
	}
	byKey := make(map[[2]string]*agg)

	for _, m := range matches {
		date := m.CreatedAt.UTC().Format("2006-01-02")
		for i, rid := range m.MatchedResourceIDs {
			key := [2]string{rid, date}
			a := byKey[key]
			if a == nil {
				a = &agg{}
				byKey[key] = a
			}
			a.total++
			if i < len(m.Similarities) {
				a.simSum += m.Similarities[i]
			}
			if m.SelectedResourceID == rid {
				a.selections++
				if m.Success != nil && *m.Success {
					a.successful++
				}
				if m.ResponseTime > 0 {
					a.respSum += m.ResponseTime
					a.respCount++
				}
				switch m.Feedback {
				case models.FeedbackPositive:
					a.positive++
				case models.FeedbackNegative:
					a.negative++
				}
			}
		}
	}

	now := time.Now().UTC()
	for key, a := range byKey {
		stat := &models.UsageStat{
			ResourceID:        key[0],
			Date:              key[1],
			TotalMatches:      a.total,
			SuccessfulMatches: a.successful,
			UserSelections:    a.selections,
			PositiveFeedback:  a.positive,
			NegativeFeedback:  a.negative,
			UpdatedAt:         now,
		}
		if a.total > 0 {
			stat.AvgSimilarity = a.simSum / float64(a.total)
		}
		if a.respCount > 0 {
			stat.AvgResponseTime = a.respSum / float64(a.respCount)
		}
		if err := r.store.UpsertStat(ctx, stat); err != nil {
			return err
		}
	}

	log.Debug().Int("matches", len(matches)).Int("stats", len(byKey)).Msg("Usage stats rollup complete")
	return nil
}

// Start runs the rollup on a fixed interval until ctx is cancelled.
func (r *Rollup) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Run(ctx); err != nil {
					log.Warn().Err(err).Msg("Usage stats rollup failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
