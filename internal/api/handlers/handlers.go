// Package handlers implements the HTTP handlers for the discovery engine:
// resource registration, discovery search and feedback, sync task control,
// runtime configuration, and statistics.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/matcher"
	"github.com/queryhive/queryhive/discovery-engine/internal/registry"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/syncer"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Registry  *registry.Registry
	Matcher   *matcher.Matcher
	Scheduler *syncer.Scheduler
	Live      *config.Live
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, reg *registry.Registry, m *matcher.Matcher, sc *syncer.Scheduler, live *config.Live) *Handlers {
	return &Handlers{Store: s, Registry: reg, Matcher: m, Scheduler: sc, Live: live}
}

// ── Discovery ────────────────────────────────────────────────

func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	var req models.DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TopK == 0 {
		req.TopK = 5
	}

	res, err := h.Matcher.Discover(r.Context(), req)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// feedbackRequest attaches an outcome to a recorded match.
type feedbackRequest struct {
	MatchID            string          `json:"match_id"`
	SelectedResourceID string          `json:"selected_resource_id"`
	Success            *bool           `json:"success,omitempty"`
	Feedback           models.Feedback `json:"feedback,omitempty"`
	ResponseTime       float64         `json:"response_time,omitempty"`
}

func (h *Handlers) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MatchID == "" {
		respondError(w, http.StatusBadRequest, "match_id is required")
		return
	}

	err := h.Matcher.RecordOutcome(r.Context(), req.MatchID, req.SelectedResourceID, req.Success, req.Feedback, req.ResponseTime)
	if err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Matcher.Statistics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ── Resources ────────────────────────────────────────────────

func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	filter := store.ResourceFilter{
		Type:   models.ResourceType(r.URL.Query().Get("type")),
		Status: models.ResourceStatus(r.URL.Query().Get("status")),
	}
	resources, err := h.Registry.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resources == nil {
		resources = []models.ResourceRecord{}
	}
	respondJSON(w, http.StatusOK, resources)
}

func (h *Handlers) RegisterResource(w http.ResponseWriter, r *http.Request) {
	var rec models.ResourceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Registry.Register(r.Context(), &rec)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("resource", id).Str("type", string(rec.ResourceType)).Msg("Resource registered")
	respondJSON(w, http.StatusCreated, map[string]string{"resource_id": id})
}

func (h *Handlers) GetResource(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Registry.Get(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) DeactivateResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	if err := h.Registry.Deactivate(r.Context(), resourceID); err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"resource_id": resourceID, "status": string(models.StatusInactive)})
}

func (h *Handlers) DeleteResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	if err := h.Registry.Delete(r.Context(), resourceID); err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Sync ─────────────────────────────────────────────────────

func (h *Handlers) StartSync(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	taskID, accepted, err := h.Scheduler.StartSync(r.Context(), force)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !accepted {
		// A sync is already running; point the caller at it.
		respondJSON(w, http.StatusConflict, map[string]string{
			"task_id": taskID,
			"status":  "already_running",
		})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Scheduler.GetTaskStatus(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"progress": task.Progress(),
	})
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.Scheduler.Cancel(taskID); err != nil {
		if models.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancelling"})
}

// ── Config ───────────────────────────────────────────────────

func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Live.Snapshot())
}

// UpdateConfig applies a partial settings update atomically: the whole patch
// is validated against the full settings object, and a rejected key leaves
// everything unchanged.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(patch) == 0 {
		respondError(w, http.StatusBadRequest, "No settings provided")
		return
	}

	if err := h.Live.Apply(patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Int("keys", len(patch)).Msg("Runtime configuration updated")
	respondJSON(w, http.StatusOK, h.Live.Snapshot())
}

// ── Liveness ─────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"service": "queryhive-discovery-engine",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
