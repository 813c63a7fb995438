// Package handlers implements the HTTP handlers for the synapse admin API:
// service registry inspection, pipeline management, the permission relation,
// execution history, and manual event injection.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/internal/engine"
	"github.com/synapse-iot/synapse/internal/history"
	"github.com/synapse-iot/synapse/internal/permission"
	"github.com/synapse-iot/synapse/internal/registry"
	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Registry
	Perms    *permission.Manager
	Engine   *engine.Engine
	History  history.Recorder

	// Reload re-reads the configuration source and swaps services,
	// pipelines, and permissions. Wired by the server assembly.
	Reload func(ctx context.Context) error
}

// New creates a Handlers instance with all dependencies.
func New(reg *registry.Registry, perms *permission.Manager, eng *engine.Engine, hist history.Recorder, reload func(ctx context.Context) error) *Handlers {
	return &Handlers{
		Registry: reg,
		Perms:    perms,
		Engine:   eng,
		History:  hist,
		Reload:   reload,
	}
}

// ── Service handlers ─────────────────────────────────────────

func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	services := h.Registry.List()
	if services == nil {
		services = []models.ServiceStatus{}
	}
	respondJSON(w, http.StatusOK, services)
}

func (h *Handlers) TestService(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	if err := h.Registry.TestConnection(r.Context(), serviceID); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"service": serviceID, "status": "reachable"})
}

func (h *Handlers) ListServiceModels(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	names, err := h.Registry.ListModels(r.Context(), serviceID)
	if err != nil {
		respondFault(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"service": serviceID, "models": names})
}

// ── Pipeline handlers ────────────────────────────────────────

func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := h.Engine.Pipelines()
	if pipelines == nil {
		pipelines = []models.Pipeline{}
	}
	respondJSON(w, http.StatusOK, pipelines)
}

// RunPipeline triggers one pipeline on demand. The optional body carries
// extra context merged into the inference request.
func (h *Handlers) RunPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")

	var body struct {
		Input map[string]interface{} `json:"input"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	rec, err := h.Engine.RunPipeline(r.Context(), pipelineID, body.Input)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	recs := h.Engine.RecentExecutions(limit)
	if recs == nil {
		recs = []*models.ExecutionRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// ── Permission handlers ──────────────────────────────────────

func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	grants := h.Perms.List()
	if grants == nil {
		grants = []models.Permission{}
	}
	respondJSON(w, http.StatusOK, grants)
}

func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req models.Permission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PipelineID == "" || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "pipeline_id and device_id are required")
		return
	}
	if len(req.Actions) == 0 {
		respondError(w, http.StatusBadRequest, "actions must not be empty")
		return
	}
	req.MinConfidence = models.ClampConfidence(req.MinConfidence)

	h.Perms.Grant(req.PipelineID, req.DeviceID, req.Actions, req.MinConfidence)
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	deviceID := chi.URLParam(r, "deviceID")
	h.Perms.Revoke(pipelineID, deviceID)
	w.WriteHeader(http.StatusNoContent)
}

// ── Event injection ──────────────────────────────────────────

// InjectEvent accepts one telemetry event over HTTP, for deployments
// without a bus and for testing pipelines end to end.
func (h *Handlers) InjectEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.TelemetryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ev.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := h.Engine.Submit(ev); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ── History ──────────────────────────────────────────────────

func (h *Handlers) DeviceHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit := queryInt(r, "limit", 20)

	entries, err := h.History.Recent(r.Context(), deviceID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Reload ───────────────────────────────────────────────────

func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.Reload == nil {
		respondError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}
	if err := h.Reload(r.Context()); err != nil {
		log.Error().Err(err).Msg("Configuration reload failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
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

// respondFault maps the fault taxonomy onto HTTP status codes.
func respondFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.ServiceNotFound:
		status = http.StatusNotFound
	case faults.ConfigInvalid:
		status = http.StatusBadRequest
	case faults.BackendUnreachable, faults.BackendRejected, faults.MalformedResponse:
		status = http.StatusBadGateway
	}
	respondError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}
