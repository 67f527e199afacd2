package review

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rentwise/rentwise/internal/platform/httpx"
	"github.com/rentwise/rentwise/internal/shared"
)

// Handler exposes review endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers review routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments/{id}/approve", h.handle(DecisionApprove))
	r.Post("/payments/{id}/reject", h.handle(DecisionReject))
}

type decisionRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) handle(decision Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := shared.ActorFromRequest(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		id, err := httpx.IDParam(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		var req decisionRequest
		if r.ContentLength != 0 {
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.RespondError(w, err)
				return
			}
		}
		if err := httpx.Validate(h.validator, req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		decide := h.service.Approve
		if decision == DecisionReject {
			decide = h.service.Reject
		}
		p, err := decide(r.Context(), actor, id, req.Note)
		if err != nil {
			if httpx.StatusFor(err) >= http.StatusInternalServerError {
				h.logger.Error("review payment", slog.String("decision", string(decision)), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, p)
	}
}
