package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/medic/internal/model"
	"github.com/ashita-ai/medic/internal/orchestrator"
	"github.com/ashita-ai/medic/internal/resurrect"
	"github.com/ashita-ai/medic/internal/store"
	"github.com/ashita-ai/medic/internal/validation"
)

const (
	recentLimit = 20
	statsWindow = 30 * 24 * time.Hour
)

// OutcomeReader is the read slice of the store the HTTP surface uses.
type OutcomeReader interface {
	ListRecent(ctx context.Context, limit int) ([]*model.OutcomeRecord, error)
	Statistics(ctx context.Context, window time.Duration) (*model.Statistics, error)
}

// Approver advances pending reviews. Satisfied by the orchestrator.
type Approver interface {
	Approve(ctx context.Context, killID string) (*resurrect.Result, error)
	PendingCount() int
}

// HandlersDeps holds the dependencies for the HTTP handlers.
type HandlersDeps struct {
	Outcomes      OutcomeReader
	Approver      Approver
	MinConfidence func() float64
	Mode          string
	Version       string
	Logger        *slog.Logger

	// OpenAPISpec is served at GET /openapi.yaml when non-empty.
	OpenAPISpec []byte
}

// Handlers implements the four endpoints.
type Handlers struct {
	deps    HandlersDeps
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{deps: deps, started: time.Now()}
}

type healthResponse struct {
	Status         string  `json:"status"`
	Mode           string  `json:"mode"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	PendingReviews int     `json:"pending_reviews"`
}

// HandleHealth reports service status and the pending-review count.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:         "ok",
		Mode:           h.deps.Mode,
		Version:        h.deps.Version,
		UptimeSeconds:  time.Since(h.started).Seconds(),
		PendingReviews: h.deps.Approver.PendingCount(),
	})
}

// HandleDecisionsRecent returns the last 20 outcome records, newest first.
func (h *Handlers) HandleDecisionsRecent(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Outcomes.ListRecent(r.Context(), recentLimit)
	if err != nil {
		h.storeError(w, r, "list recent outcomes", err)
		return
	}
	if records == nil {
		records = []*model.OutcomeRecord{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

type statsResponse struct {
	*model.Statistics
	MinConfidence float64 `json:"auto_approve_min_confidence"`
}

// HandleStats returns 30-day aggregates plus the live auto-approval
// threshold.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Outcomes.Statistics(r.Context(), statsWindow)
	if err != nil {
		h.storeError(w, r, "read statistics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, statsResponse{
		Statistics:    stats,
		MinConfidence: h.deps.MinConfidence(),
	})
}

type approveResponse struct {
	KillID        string  `json:"kill_id"`
	Result        string  `json:"result"`
	TimeToHealthy float64 `json:"time_to_healthy_seconds"`
}

// HandleApprove executes a manually approved pending review.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	killID := r.PathValue("kill_id")
	if _, err := validation.InstanceID(killID, "kill_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid kill_id")
		return
	}

	result, err := h.deps.Approver.Approve(r.Context(), killID)
	switch {
	case errors.Is(err, orchestrator.ErrNotPending):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no pending review for kill_id")
		return
	case errors.Is(err, orchestrator.ErrInFlight):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "approval already in progress")
		return
	case err != nil:
		h.deps.Logger.Error("approval failed",
			"request_id", RequestIDFromContext(r.Context()),
			"kill_id", validation.SanitizeForLog(killID),
			"error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "approval failed")
		return
	}

	writeJSON(w, r, http.StatusOK, approveResponse{
		KillID:        killID,
		Result:        string(result.Status),
		TimeToHealthy: result.TimeToHealthy,
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.deps.OpenAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.deps.OpenAPISpec)
}

// storeError maps store failures to 503 during the busy window and a
// generic 500 otherwise. Details stay in the log.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.deps.Logger.Error("store read failed",
		"request_id", RequestIDFromContext(r.Context()),
		"op", op,
		"error", err)
	if errors.Is(err, store.ErrBusy) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "store temporarily unavailable")
		return
	}
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}
