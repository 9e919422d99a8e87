package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/reelworks/internal/db"
	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/quota"
	"github.com/bobarin/reelworks/internal/render"
	"github.com/bobarin/reelworks/internal/worker"
)

// RenderStore is the slice of the database the handlers use.
type RenderStore interface {
	CreateRender(ctx context.Context, workItemID, tier string, manifest models.Manifest) (*models.RenderRecord, error)
	GetRender(ctx context.Context, workItemID string) (*models.RenderRecord, error)
}

// Stepper runs one render step for a stored work item.
type Stepper interface {
	Step(ctx context.Context, workItemID string) (render.Outcome, error)
}

// Enqueuer hands a work item to the background worker.
type Enqueuer interface {
	EnqueueRender(ctx context.Context, workItemID string) error
}

type Handler struct {
	store    RenderStore
	stepper  Stepper
	queue    Enqueuer // nil = no background worker
	tiers    worker.TierResolver
	meter    *quota.Meter
	oplog    render.OperationLog
	provider string
	logger   zerolog.Logger
}

// HandlerDeps wires a Handler. Queue, Meter and OperationLog may be nil.
type HandlerDeps struct {
	Store        RenderStore
	Stepper      Stepper
	Queue        Enqueuer
	Tiers        worker.TierResolver
	Meter        *quota.Meter
	OperationLog render.OperationLog
	Provider     string
	Logger       zerolog.Logger
}

func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		store:    deps.Store,
		stepper:  deps.Stepper,
		queue:    deps.Queue,
		tiers:    deps.Tiers,
		meter:    deps.Meter,
		oplog:    deps.OperationLog,
		provider: deps.Provider,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
}

// CreateRender handles POST /v1/renders
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	if len(req.Manifest.Storyboard) == 0 {
		respondError(w, http.StatusBadRequest, "Manifest storyboard is required")
		return
	}

	tier, err := h.tiers(req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unknown tier")
		return
	}

	workItemID := uuid.New().String()
	if req.WorkItemID != nil {
		workItemID = strings.TrimSpace(*req.WorkItemID)
		if workItemID == "" {
			respondError(w, http.StatusBadRequest, "Work item ID must not be blank")
			return
		}
	}

	record, err := h.store.CreateRender(r.Context(), workItemID, tier.Name, req.Manifest)
	if err != nil {
		h.logger.Error().Err(err).Str("workItem", workItemID).Msg("failed to create render")
		respondError(w, http.StatusInternalServerError, "Failed to create render")
		return
	}

	if h.queue != nil {
		if err := h.queue.EnqueueRender(r.Context(), workItemID); err != nil {
			h.logger.Error().Err(err).Str("workItem", workItemID).Msg("failed to enqueue render")
			respondError(w, http.StatusInternalServerError, "Failed to enqueue render")
			return
		}
	}

	respondJSON(w, http.StatusAccepted, models.CreateRenderResponse{
		WorkItemID: record.WorkItemID,
		Status:     record.State.Status,
	})
}

// RunRender handles POST /v1/renders/{id}/render
// The response status mirrors the step's httpStatus; 202 carries Retry-After.
func (h *Handler) RunRender(w http.ResponseWriter, r *http.Request) {
	workItemID := chi.URLParam(r, "id")

	out, err := h.stepper.Step(r.Context(), workItemID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, "Render not found")
		return
	case errors.Is(err, worker.ErrBusy):
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusConflict, "Render step already in progress")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("workItem", workItemID).Msg("render step failed")
		respondError(w, http.StatusInternalServerError, "Render step failed")
		return
	}

	if out.HTTPStatus == http.StatusAccepted && out.PollDelay > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(out.PollDelay.Seconds()))))
	}

	respondJSON(w, out.HTTPStatus, models.RenderStepResponse{
		RenderTask:     out.Task,
		OperationState: out.State,
		HTTPStatus:     out.HTTPStatus,
		PollDelayMs:    out.PollDelayMs(),
	})
}

// GetRender handles GET /v1/renders/{id}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.GetRender(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Render not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get render")
		respondError(w, http.StatusInternalServerError, "Failed to get render")
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// QuotaDiagnostics handles GET /v1/diagnostics/quota
func (h *Handler) QuotaDiagnostics(w http.ResponseWriter, r *http.Request) {
	if h.meter == nil {
		respondError(w, http.StatusNotFound, "Quota meter not configured")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider": h.provider,
		"quota":    h.meter.Snapshot(),
	})
}

// OperationDiagnostics handles GET /v1/diagnostics/operations
func (h *Handler) OperationDiagnostics(w http.ResponseWriter, r *http.Request) {
	entries := []render.OperationEntry{}
	if h.oplog != nil {
		entries = append(entries, h.oplog.Entries()...)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": entries,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
