// Package scorer fuses vector similarity with historical usage, performance
// and caller context into one bounded confidence score, and ranks matches
// deterministically.
package scorer

import (
	"sort"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// Signals are the per-resource inputs to one confidence computation.
type Signals struct {
	Resource   *models.ResourceRecord
	Similarity float64 // [0,1], from the vector index

	// RecentStats is the resource's recent daily usage rollup, oldest first.
	RecentStats []models.UsageStat

	// Health is the latest probe result; nil counts as unknown.
	Health *models.HealthRecord

	// Context carries caller hints; nil scores the context component 0.
	Context *models.QueryContext

	// MaxAvgResponseTime is the catalog-wide maximum average response time,
	// used to normalize the performance component. Zero disables latency
	// normalization.
	MaxAvgResponseTime float64
}

// Scorer computes confidence scores using the live fusion weights.
type Scorer struct {
	live *config.Live
}

// New creates a scorer bound to the live configuration.
func New(live *config.Live) *Scorer {
	return &Scorer{live: live}
}

// Score fuses the signals into a confidence in [0,1].
//
// A resource whose health probe reports error is clamped hard toward zero
// rather than excluded, so one flaky probe cannot make it permanently
// undiscoverable.
func (s *Scorer) Score(sig Signals) float64 {
	w := s.live.Snapshot().Weights

	conf := w.Similarity*clamp01(sig.Similarity) +
		w.UsageHistory*usageHistoryScore(sig.RecentStats) +
		w.Performance*performanceScore(sig.Resource, sig.MaxAvgResponseTime) +
		w.Context*contextScore(sig.Resource, sig.Context)

	if sig.Health != nil {
		switch sig.Health.Status {
		case models.HealthError:
			conf *= 0.2
		case models.HealthWarning:
			conf *= 0.9
		}
	}
	return clamp01(conf)
}

// Bucket maps a confidence score onto its presentation bucket.
func (s *Scorer) Bucket(confidence float64) models.ConfidenceBucket {
	b := s.live.Snapshot().Buckets
	switch {
	case confidence >= b.High:
		return models.BucketHigh
	case confidence >= b.Medium:
		return models.BucketMedium
	case confidence >= b.Low:
		return models.BucketLow
	default:
		return models.BucketVeryLow
	}
}

// Rank orders matches by confidence descending, breaking ties by usage count
// descending and then resource id ascending so results are deterministic.
func Rank(matches []models.Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].UsageCount != matches[j].UsageCount {
			return matches[i].UsageCount > matches[j].UsageCount
		}
		return matches[i].ResourceID < matches[j].ResourceID
	})
}

// ── Components ───────────────────────────────────────────────

// usageHistoryScore is the recent selection rate: how often this resource
// was the one users picked when it matched. No history scores neutral so
// new resources are not buried by the history weight.
func usageHistoryScore(stats []models.UsageStat) float64 {
	var matches, selections int64
	for _, st := range stats {
		matches += st.TotalMatches
		selections += st.UserSelections
	}
	if matches == 0 {
		return 0.5
	}
	return clamp01(float64(selections) / float64(matches))
}

// performanceScore blends success rate with normalized response time.
// Resources never used score neutral.
func performanceScore(r *models.ResourceRecord, maxAvgRT float64) float64 {
	if r == nil || r.UsageCount == 0 {
		return 0.5
	}
	score := 0.7 * clamp01(r.SuccessRate)
	if maxAvgRT > 0 {
		score += 0.3 * (1 - clamp01(r.AvgResponseTime/maxAvgRT))
	} else {
		score += 0.3
	}
	return clamp01(score)
}

// contextScore rewards overlap between the resource and caller hints:
// preferred resource types weigh more than tag overlap. No context scores 0.
func contextScore(r *models.ResourceRecord, qc *models.QueryContext) float64 {
	if qc == nil || r == nil {
		return 0
	}
	var score float64
	if len(qc.PreferredTypes) > 0 {
		for _, t := range qc.PreferredTypes {
			if t == r.ResourceType {
				score += 0.6
				break
			}
		}
	}
	if len(qc.Tags) > 0 {
		tagSet := make(map[string]bool, len(r.Tags))
		for _, t := range r.Tags {
			tagSet[t] = true
		}
		overlap := 0
		for _, t := range qc.Tags {
			if tagSet[t] {
				overlap++
			}
		}
		score += 0.4 * float64(overlap) / float64(len(qc.Tags))
	}
	return clamp01(score)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
