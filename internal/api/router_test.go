package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/internal/api"
	"github.com/queryhive/queryhive/discovery-engine/internal/api/handlers"
	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/events"
	"github.com/queryhive/queryhive/discovery-engine/internal/history"
	"github.com/queryhive/queryhive/discovery-engine/internal/matcher"
	"github.com/queryhive/queryhive/discovery-engine/internal/querycache"
	"github.com/queryhive/queryhive/discovery-engine/internal/registry"
	"github.com/queryhive/queryhive/discovery-engine/internal/scorer"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/syncer"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// stubDriver embeds everything to the same unit vector.
type stubDriver struct{}

func (stubDriver) Kind() string      { return "stub" }
func (stubDriver) Dimensions() int   { return 2 }
func (stubDriver) MaxBatchSize() int { return 16 }

func (stubDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (stubDriver) HealthCheck(context.Context) error { return nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.Load()
	cfg.Discovery.EmbeddingModel = "stub-model"
	cfg.Discovery.AutoSyncEnabled = false
	live := config.NewLive(cfg.Discovery)

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ix := vectorindex.NewMemoryIndex()
	bus := events.NewMemoryBus()
	t.Cleanup(bus.Close)

	reg := embeddings.NewRegistry()
	reg.Register("stub-model", stubDriver{})
	pipe := embeddings.NewPipeline(reg)

	catalog := registry.New(s, ix, bus)
	cache := querycache.New(time.Minute)
	t.Cleanup(cache.Stop)
	rec := history.NewRecorder(s)
	t.Cleanup(rec.Close)
	m := matcher.New(s, ix, pipe, scorer.New(live), cache, rec, live)
	sched := syncer.New(s, ix, pipe, live, bus)
	t.Cleanup(sched.Stop)
	sched.SetInvalidator(cache)
	catalog.SetInvalidator(cache)

	h := handlers.New(s, catalog, m, sched, live)
	return api.NewRouter(cfg, h)
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/version", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /version = %d, want 200", w.Code)
	}
	var v map[string]string
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if v["version"] == "" {
		t.Error("version payload empty")
	}
}

func TestResourceLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resource := map[string]any{
		"resource_id":   "orders-db",
		"resource_type": "database",
		"name":          "Orders DB",
		"description":   "Orders and fulfillment data",
	}
	w := doJSON(t, srv, http.MethodPost, "/api/v1/resources/", resource)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /resources = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/resources/orders-db/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /resources/orders-db = %d", w.Code)
	}
	var got models.ResourceRecord
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if got.Status != models.StatusActive || got.VectorizationStatus != models.VectorizationPending {
		t.Errorf("resource = %+v, want active/pending", got)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/resources/orders-db/deactivate", nil)
	if w.Code != http.StatusOK {
		t.Errorf("POST deactivate = %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/resources/orders-db/", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/resources/orders-db/", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
}

func TestRegisterResourceValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/resources/", map[string]any{
		"resource_id":   "x",
		"resource_type": "spreadsheet",
		"name":          "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid type = %d, want 400", w.Code)
	}
}

func TestDiscoverOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/resources/", map[string]any{
		"resource_id":   "r1",
		"resource_type": "api",
		"name":          "weather",
		"description":   "Current weather by city",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d", w.Code)
	}

	// Vectorize synchronously through the sync API.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /sync = %d: %s", w.Code, w.Body.String())
	}
	var accepted map[string]string
	if err := json.NewDecoder(w.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	taskID := accepted["task_id"]
	if taskID == "" {
		t.Fatal("no task_id in sync response")
	}

	completed := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(t, srv, http.MethodGet, "/api/v1/sync/tasks/"+taskID+"/", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET task = %d", w.Code)
		}
		var payload struct {
			Task models.SyncTask `json:"task"`
		}
		if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		if payload.Task.State.Terminal() {
			if payload.Task.State != models.TaskCompleted {
				t.Fatalf("sync task state = %q (%s)", payload.Task.State, payload.Task.Error)
			}
			completed = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !completed {
		t.Fatal("sync task did not finish in time")
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/discovery/search", map[string]any{
		"query": "weather forecast",
		"top_k": 3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /discovery/search = %d: %s", w.Code, w.Body.String())
	}
	var res models.MatchResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.TotalMatches != 1 || res.Matches[0].ResourceID != "r1" {
		t.Errorf("result = %+v, want one match r1", res)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/discovery/search", map[string]any{"query": "", "top_k": 3})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query = %d, want 400", w.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/config/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /config = %d", w.Code)
	}
	var settings config.Settings
	if err := json.NewDecoder(w.Body).Decode(&settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if !settings.Weights.Valid() {
		t.Error("served weights invalid")
	}

	w = doJSON(t, srv, http.MethodPut, "/api/v1/config/", map[string]any{"similarity_threshold": 0.5})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /config = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPut, "/api/v1/config/", map[string]any{"similarity_threshold": 7})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid threshold = %d, want 400", w.Code)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/v1/config/", map[string]any{"mystery_knob": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown key = %d, want 400", w.Code)
	}
}

func TestFeedbackRequiresMatchID(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/discovery/feedback", map[string]any{
		"selected_resource_id": "r1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("feedback without match_id = %d, want 400", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/discovery/feedback", map[string]any{
		"match_id": "no-such-match",
		"feedback": "positive",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("feedback for unknown match = %d, want 404", w.Code)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /statistics = %d", w.Code)
	}
	var stats models.Statistics
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
}
