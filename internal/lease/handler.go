package lease

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rentwise/rentwise/internal/platform/httpx"
	"github.com/rentwise/rentwise/internal/shared"
)

// Handler exposes lease setup endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers lease routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/leases/{id}", func(r chi.Router) {
		r.Get("/setup", h.setup)
		r.Put("/requirements", h.requirements)
		r.Put("/dates", h.dates)
		r.Put("/document", h.document)
	})
}

type requirementsRequest struct {
	LeaseAgreement   bool   `json:"require_lease_agreement"`
	MoveInChecklist  bool   `json:"require_move_in_checklist"`
	MoveOutChecklist bool   `json:"require_move_out_checklist"`
	SecurityDeposit  bool   `json:"require_security_deposit"`
	AdvancePayment   bool   `json:"require_advance_payment"`
	Other            bool   `json:"require_other"`
	OtherNote        string `json:"other_note" validate:"max=500"`
}

type datesRequest struct {
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

type documentRequest struct {
	DocumentURL string `json:"document_url" validate:"required,url"`
}

func (h *Handler) setup(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	h.respond(w, "lease setup", func() (Setup, error) { return h.service.Setup(r.Context(), actor, id) })
}

func (h *Handler) requirements(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req requirementsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, "save requirements", func() (Setup, error) {
		return h.service.SaveRequirements(r.Context(), actor, id, Requirements{
			LeaseAgreement:   req.LeaseAgreement,
			MoveInChecklist:  req.MoveInChecklist,
			MoveOutChecklist: req.MoveOutChecklist,
			SecurityDeposit:  req.SecurityDeposit,
			AdvancePayment:   req.AdvancePayment,
			Other:            req.Other,
			OtherNote:        req.OtherNote,
		})
	})
}

func (h *Handler) dates(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req datesRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := DatesInput{StartDate: parseDate(req.StartDate), EndDate: parseDate(req.EndDate)}
	h.respond(w, "update dates", func() (Setup, error) { return h.service.UpdateDates(r.Context(), actor, id, in) })
}

func (h *Handler) document(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, "attach document", func() (Setup, error) {
		return h.service.AttachDocument(r.Context(), actor, id, req.DocumentURL)
	})
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
	actor, err := shared.ActorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	return actor, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := httpx.Validate(h.validator, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, msg string, fn func() (Setup, error)) {
	setup, err := fn()
	if err != nil {
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error(msg, slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, setup)
}

// parseDate reads a validated YYYY-MM-DD value; empty means unset.
func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil
	}
	return &t
}
