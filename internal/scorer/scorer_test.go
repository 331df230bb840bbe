package scorer_test

import (
	"math"
	"testing"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/scorer"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

func newTestScorer(t *testing.T) *scorer.Scorer {
	t.Helper()
	settings := config.Load().Discovery
	return scorer.New(config.NewLive(settings))
}

func activeResource(id string) *models.ResourceRecord {
	return &models.ResourceRecord{
		ResourceID:   id,
		ResourceType: models.ResourceDatabase,
		Name:         id,
		Status:       models.StatusActive,
	}
}

func TestScoreColdStartIsNeutral(t *testing.T) {
	s := newTestScorer(t)

	// New resource, no history, no context: 0.6*sim + 0.2*0.5 + 0.1*0.5 + 0.1*0.
	got := s.Score(scorer.Signals{Resource: activeResource("r1"), Similarity: 1.0})
	want := 0.6*1.0 + 0.2*0.5 + 0.1*0.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestScoreIsBounded(t *testing.T) {
	s := newTestScorer(t)

	if got := s.Score(scorer.Signals{Resource: activeResource("r1"), Similarity: 5.0}); got > 1.0 {
		t.Errorf("Score() with oversized similarity = %v, want <= 1", got)
	}
	if got := s.Score(scorer.Signals{Resource: activeResource("r1"), Similarity: -1.0}); got < 0 {
		t.Errorf("Score() with negative similarity = %v, want >= 0", got)
	}
}

func TestScoreHealthClamp(t *testing.T) {
	s := newTestScorer(t)
	sig := scorer.Signals{Resource: activeResource("r1"), Similarity: 1.0}

	base := s.Score(sig)

	sig.Health = &models.HealthRecord{ResourceID: "r1", Status: models.HealthError}
	errScore := s.Score(sig)
	if math.Abs(errScore-base*0.2) > 1e-9 {
		t.Errorf("Score() with error health = %v, want %v", errScore, base*0.2)
	}
	if errScore <= 0 {
		t.Error("error health must clamp toward zero, not exclude")
	}

	sig.Health = &models.HealthRecord{ResourceID: "r1", Status: models.HealthWarning}
	warnScore := s.Score(sig)
	if math.Abs(warnScore-base*0.9) > 1e-9 {
		t.Errorf("Score() with warning health = %v, want %v", warnScore, base*0.9)
	}
}

func TestScoreUsageHistory(t *testing.T) {
	s := newTestScorer(t)

	// Selected every time it matched: usage-history component maxes out.
	alwaysPicked := scorer.Signals{
		Resource:   activeResource("r1"),
		Similarity: 0.8,
		RecentStats: []models.UsageStat{
			{ResourceID: "r1", TotalMatches: 10, UserSelections: 10},
		},
	}
	neverPicked := alwaysPicked
	neverPicked.RecentStats = []models.UsageStat{
		{ResourceID: "r1", TotalMatches: 10, UserSelections: 0},
	}

	if s.Score(alwaysPicked) <= s.Score(neverPicked) {
		t.Error("always-selected resource must outscore never-selected one")
	}
}

func TestScoreContextHints(t *testing.T) {
	s := newTestScorer(t)

	r := activeResource("r1")
	r.Tags = []string{"orders", "sales"}

	base := scorer.Signals{Resource: r, Similarity: 0.8}
	hinted := base
	hinted.Context = &models.QueryContext{
		PreferredTypes: []models.ResourceType{models.ResourceDatabase},
		Tags:           []string{"orders"},
	}

	if s.Score(hinted) <= s.Score(base) {
		t.Error("matching context hints must raise the score")
	}
}

func TestBucketBoundaries(t *testing.T) {
	s := newTestScorer(t)

	cases := []struct {
		confidence float64
		want       models.ConfidenceBucket
	}{
		{0.95, models.BucketHigh},
		{0.7, models.BucketHigh}, // boundary is inclusive
		{0.69, models.BucketMedium},
		{0.4, models.BucketMedium},
		{0.39, models.BucketLow},
		{0.2, models.BucketLow},
		{0.19, models.BucketVeryLow},
		{0.0, models.BucketVeryLow},
	}
	for _, tc := range cases {
		if got := s.Bucket(tc.confidence); got != tc.want {
			t.Errorf("Bucket(%v) = %q, want %q", tc.confidence, got, tc.want)
		}
	}
}

func TestRankDeterministic(t *testing.T) {
	matches := []models.Match{
		{ResourceID: "c", Confidence: 0.5, UsageCount: 1},
		{ResourceID: "a", Confidence: 0.5, UsageCount: 5},
		{ResourceID: "b", Confidence: 0.9, UsageCount: 0},
		{ResourceID: "e", Confidence: 0.5, UsageCount: 5},
		{ResourceID: "d", Confidence: 0.5, UsageCount: 5},
	}

	scorer.Rank(matches)

	got := make([]string, len(matches))
	for i, m := range matches {
		got[i] = m.ResourceID
	}
	// Confidence desc, then usage desc, then id asc.
	want := []string{"b", "a", "d", "e", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Rank() order = %v, want %v", got, want)
		}
	}
}
