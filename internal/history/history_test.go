package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/internal/history"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

func TestRecorderWritesAsync(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	r := history.NewRecorder(s)
	r.Record(&models.MatchQuery{MatchID: "m1", Query: "q", CreatedAt: time.Now().UTC()})
	r.Close() // drains the buffer

	got, err := s.GetMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMatch() after Close error = %v", err)
	}
	if got.Query != "q" {
		t.Errorf("recorded query = %q, want q", got.Query)
	}
}

func seedMatches(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	success := true

	matches := []*models.MatchQuery{
		{
			MatchID:            "m1",
			MatchedResourceIDs: []string{"r1", "r2"},
			Similarities:       []float64{0.9, 0.7},
			SelectedResourceID: "r1",
			Success:            &success,
			Feedback:           models.FeedbackPositive,
			ResponseTime:       2.0,
			CreatedAt:          now,
		},
		{
			MatchID:            "m2",
			MatchedResourceIDs: []string{"r1"},
			Similarities:       []float64{0.5},
			CreatedAt:          now,
		},
	}
	for _, m := range matches {
		if err := s.AppendMatch(ctx, m); err != nil {
			t.Fatalf("AppendMatch(%s) error = %v", m.MatchID, err)
		}
	}
}

func TestRollupAggregatesPerResourceAndDay(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	seedMatches(t, s)

	rollup := history.NewRollup(s, 7)
	if err := rollup.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats, err := s.RecentStats(ctx, "r1", 7)
	if err != nil {
		t.Fatalf("RecentStats() error = %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats for r1 = %d rows, want 1", len(stats))
	}
	st := stats[0]
	if st.TotalMatches != 2 {
		t.Errorf("TotalMatches = %d, want 2", st.TotalMatches)
	}
	if st.UserSelections != 1 {
		t.Errorf("UserSelections = %d, want 1", st.UserSelections)
	}
	if st.SuccessfulMatches != 1 {
		t.Errorf("SuccessfulMatches = %d, want 1", st.SuccessfulMatches)
	}
	if st.PositiveFeedback != 1 {
		t.Errorf("PositiveFeedback = %d, want 1", st.PositiveFeedback)
	}
	if st.AvgSimilarity != 0.7 { // (0.9 + 0.5) / 2
		t.Errorf("AvgSimilarity = %v, want 0.7", st.AvgSimilarity)
	}

	r2, _ := s.RecentStats(ctx, "r2", 7)
	if len(r2) != 1 || r2[0].TotalMatches != 1 || r2[0].UserSelections != 0 {
		t.Errorf("stats for r2 = %+v, want one row with 1 match, 0 selections", r2)
	}
}

func TestRollupIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	seedMatches(t, s)

	rollup := history.NewRollup(s, 7)
	if err := rollup.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := rollup.Run(ctx); err != nil {
		t.Fatalf("Run() second pass error = %v", err)
	}

	stats, _ := s.RecentStats(ctx, "r1", 7)
	if len(stats) != 1 || stats[0].TotalMatches != 2 {
		t.Errorf("stats after re-run = %+v, want unchanged single row", stats)
	}
}
