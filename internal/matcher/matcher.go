// Package matcher orchestrates one discovery request end to end: cache
// lookup, query embedding, nearest-neighbor search, confidence fusion,
// ranking, and asynchronous history recording. It also handles the
// post-discovery feedback path and catalog statistics.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/history"
	"github.com/queryhive/queryhive/discovery-engine/internal/querycache"
	"github.com/queryhive/queryhive/discovery-engine/internal/scorer"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// statsWindowDays is how much usage history feeds the confidence score.
const statsWindowDays = 7

// Matcher answers discovery requests.
type Matcher struct {
	store    store.Store
	index    vectorindex.Index
	pipeline *embeddings.Pipeline
	scorer   *scorer.Scorer
	cache    *querycache.Cache
	recorder *history.Recorder
	live     *config.Live
}

// New wires the matcher from its collaborators.
func New(s store.Store, ix vectorindex.Index, pipe *embeddings.Pipeline, sc *scorer.Scorer, cache *querycache.Cache, rec *history.Recorder, live *config.Live) *Matcher {
	return &Matcher{
		store:    s,
		index:    ix,
		pipeline: pipe,
		scorer:   sc,
		cache:    cache,
		recorder: rec,
		live:     live,
	}
}

// Discover returns the resources matching a query, ranked by confidence.
// Identical concurrent requests share one computation; cached answers are
// marked as such and recorded in match history only once, at compute time.
func (m *Matcher) Discover(ctx context.Context, req models.DiscoverRequest) (*models.MatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	settings := m.live.Snapshot()
	ttl := time.Duration(settings.CacheTTLSeconds) * time.Second

	res, cached, err := m.cache.GetOrCompute(ctx, querycache.Key(req), ttl, func(ctx context.Context) (*models.MatchResult, error) {
		return m.compute(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		log.Debug().Str("match", res.MatchID).Int("results", len(res.Matches)).Msg("Discovery served from cache")
	}
	return res, nil
}

func (m *Matcher) compute(ctx context.Context, req models.DiscoverRequest) (*models.MatchResult, error) {
	started := time.Now()
	settings := m.live.Snapshot()

	queryVec, err := m.pipeline.EmbedQuery(ctx, settings.EmbeddingModel, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so the confidence floor does not starve the result set:
	// similarity order and confidence order can disagree.
	fetchK := req.TopK * 3
	if fetchK < 20 {
		fetchK = 20
	}
	hits, err := m.index.Search(ctx, queryVec, fetchK, req.ResourceTypes, true)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	maxAvgRT := m.maxAvgResponseTime(ctx)

	matches := make([]models.Match, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity < settings.SimilarityThreshold {
			continue
		}
		r, err := m.store.GetResource(ctx, hit.ResourceID)
		if err != nil {
			// Deleted between index search and catalog read, or a transient
			// store failure. Either way the hit is dropped, not the request.
			if !models.IsNotFound(err) {
				log.Warn().Err(err).Str("resource", hit.ResourceID).Msg("Resource lookup failed during discovery")
			}
			continue
		}

		// Scoring signals degrade gracefully: a failed lookup scores as if
		// the signal were absent.
		stats, err := m.store.RecentStats(ctx, hit.ResourceID, statsWindowDays)
		if err != nil {
			log.Warn().Err(err).Str("resource", hit.ResourceID).Msg("Usage stats lookup failed during discovery")
			stats = nil
		}
		health, err := m.store.GetHealth(ctx, hit.ResourceID)
		if err != nil {
			health = nil
		}

		conf := m.scorer.Score(scorer.Signals{
			Resource:           r,
			Similarity:         hit.Similarity,
			RecentStats:        stats,
			Health:             health,
			Context:            req.Context,
			MaxAvgResponseTime: maxAvgRT,
		})
		if conf < req.MinConfidence {
			continue
		}

		matches = append(matches, models.Match{
			ResourceID:   r.ResourceID,
			ResourceType: r.ResourceType,
			Name:         r.Name,
			Description:  r.Description,
			VectorType:   hit.VectorType,
			Similarity:   hit.Similarity,
			Confidence:   conf,
			Bucket:       m.scorer.Bucket(conf),
			UsageCount:   r.UsageCount,
		})
	}

	scorer.Rank(matches)
	if len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}

	res := &models.MatchResult{
		MatchID:        uuid.NewString(),
		Matches:        matches,
		TotalMatches:   len(matches),
		ProcessingTime: time.Since(started).Seconds(),
		Parameters:     req,
	}
	if len(matches) > 0 {
		best := matches[0]
		res.BestMatch = &best
	}

	m.record(res)

	log.Info().Str("match", res.MatchID).Int("results", len(matches)).
		Dur("elapsed", time.Since(started)).Msg("Discovery computed")
	return res, nil
}

// record appends the request to match history off the hot path.
func (m *Matcher) record(res *models.MatchResult) {
	if m.recorder == nil {
		return
	}
	mq := &models.MatchQuery{
		MatchID:            res.MatchID,
		Query:              res.Parameters.Query,
		QueryHash:          querycache.Key(res.Parameters),
		MatchedResourceIDs: make([]string, len(res.Matches)),
		Similarities:       make([]float64, len(res.Matches)),
		Confidences:        make([]float64, len(res.Matches)),
		CreatedAt:          time.Now().UTC(),
	}
	for i, match := range res.Matches {
		mq.MatchedResourceIDs[i] = match.ResourceID
		mq.Similarities[i] = match.Similarity
		mq.Confidences[i] = match.Confidence
	}
	m.recorder.Record(mq)
}

// maxAvgResponseTime scans the active catalog for the slowest average
// response time, the normalization ceiling for the performance component.
// Zero on failure, which disables latency normalization in the scorer.
func (m *Matcher) maxAvgResponseTime(ctx context.Context) float64 {
	all, err := m.store.ListResources(ctx, store.ResourceFilter{Status: models.StatusActive})
	if err != nil {
		log.Warn().Err(err).Msg("Catalog scan failed, skipping latency normalization")
		return 0
	}
	var max float64
	for i := range all {
		if all[i].AvgResponseTime > max {
			max = all[i].AvgResponseTime
		}
	}
	return max
}

// ── Feedback ─────────────────────────────────────────────────

// RecordOutcome attaches a selection, its execution outcome and optional
// feedback to a recorded match, and folds the observation into the selected
// resource's usage counters.
func (m *Matcher) RecordOutcome(ctx context.Context, matchID, selectedResourceID string, success *bool, feedback models.Feedback, responseTime float64) error {
	if err := m.store.SetOutcome(ctx, matchID, selectedResourceID, success, feedback, responseTime); err != nil {
		return err
	}
	if selectedResourceID != "" && success != nil {
		if err := m.store.ApplyUsage(ctx, selectedResourceID, *success, responseTime); err != nil {
			if models.IsNotFound(err) {
				// Resource deleted after the match; the history row still stands.
				return nil
			}
			return err
		}
	}
	return nil
}

// ── Statistics ───────────────────────────────────────────────

// Statistics aggregates the catalog and match history for reporting.
func (m *Matcher) Statistics(ctx context.Context) (*models.Statistics, error) {
	all, err := m.store.ListResources(ctx, store.ResourceFilter{})
	if err != nil {
		return nil, err
	}

	byType := make(map[models.ResourceType]models.TypeStatistics)
	for i := range all {
		r := &all[i]
		ts := byType[r.ResourceType]
		ts.Total++
		if r.Status == models.StatusActive {
			ts.Active++
		}
		if r.VectorizationStatus == models.VectorizationCompleted {
			ts.Vectorized++
		}
		byType[r.ResourceType] = ts
	}

	total, err := m.store.CountMatches(ctx)
	if err != nil {
		return nil, err
	}

	// Recent window drives the per-match rates; the total is all-time.
	recent, err := m.store.ListMatchesSince(ctx, time.Now().UTC().AddDate(0, 0, -statsWindowDays))
	if err != nil {
		return nil, err
	}
	var withSelection, positive, resultSum int64
	for i := range recent {
		mq := &recent[i]
		resultSum += int64(len(mq.MatchedResourceIDs))
		if mq.SelectedResourceID != "" {
			withSelection++
		}
		if mq.Feedback == models.FeedbackPositive {
			positive++
		}
	}

	ms := models.MatchStatistics{TotalQueries: total, WithSelection: withSelection}
	if n := int64(len(recent)); n > 0 {
		ms.PositiveRate = float64(positive) / float64(n)
		ms.AvgResultCount = float64(resultSum) / float64(n)
	}

	return &models.Statistics{ResourcesByType: byType, Matches: ms}, nil
}
