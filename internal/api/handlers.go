// Package api exposes the submission engine over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/services"
)

// Handler carries the HTTP handlers for the submission service.
type Handler struct {
	svc    *services.SubmissionService
	logger *slog.Logger
}

func NewHandler(svc *services.SubmissionService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes builds the router for the service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", h.handleSubmit)
		r.Post("/submissions/validate", h.handleValidate)
		r.Post("/submissions/{id}/outcome", h.handleOutcome)

		r.Route("/servicers/{id}", func(r chi.Router) {
			r.Get("/recommendations", h.handleRecommendations)
			r.Get("/intelligence", h.handleIntelligence)
			r.Get("/connection", h.handleConnection)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"latency_p95": h.svc.LatencyP95().String(),
		"latency_avg": h.svc.LatencyAvg().String(),
	})
}

// handleSubmit accepts a full submission package and routes it through the
// servicer's adapter. The HTTP status reflects transport handling only; the
// submission outcome lives in the result body.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub models.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "decode submission: "+err.Error())
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	result, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_submission", err.Error())
		return
	}

	status := http.StatusOK
	if result.Status == models.StatusFailed {
		status = http.StatusBadGateway
		if result.Failed(models.FailureValidation) {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var sub models.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "decode submission: "+err.Error())
		return
	}

	result, err := h.svc.Validate(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_submission", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// outcomeRequest optionally carries the full submission so outcomes recorded
// after a restart can still feed learning.
type outcomeRequest struct {
	models.SubmissionOutcome
	Submission *models.Submission `json:"submission,omitempty"`
}

func (h *Handler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "id")

	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "decode outcome: "+err.Error())
		return
	}
	if !validOutcomeStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown outcome status "+string(req.Status))
		return
	}

	if req.Submission != nil {
		req.Submission.ID = submissionID
		insights := h.svc.RecordOutcomeFor(r.Context(), *req.Submission, req.SubmissionOutcome)
		writeJSON(w, http.StatusOK, insights)
		return
	}

	insights, err := h.svc.RecordOutcome(r.Context(), submissionID, req.SubmissionOutcome)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_submission", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (h *Handler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	servicerID := chi.URLParam(r, "id")
	recs, err := h.svc.Recommendations(r.Context(), servicerID)
	if err != nil {
		h.logger.Error("recommendations lookup failed", "servicer", servicerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load recommendations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servicer_id":     servicerID,
		"recommendations": recs,
	})
}

func (h *Handler) handleIntelligence(w http.ResponseWriter, r *http.Request) {
	servicerID := chi.URLParam(r, "id")
	intel, err := h.svc.Intelligence(r.Context(), servicerID)
	if err != nil {
		h.logger.Error("intelligence lookup failed", "servicer", servicerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load intelligence")
		return
	}
	writeJSON(w, http.StatusOK, intel)
}

func (h *Handler) handleConnection(w http.ResponseWriter, r *http.Request) {
	servicerID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, h.svc.TestConnection(r.Context(), servicerID))
}

func validOutcomeStatus(s models.OutcomeStatus) bool {
	switch s {
	case models.OutcomeAccepted, models.OutcomeRejected, models.OutcomePending, models.OutcomeRequiresChanges:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
