package billing

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/platform/httpx"
	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/internal/shared"
)

// Handler exposes billing endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/billing", h.create)
	r.Get("/billing/{id}", h.get)
	r.Put("/billing/{id}", h.update)
	r.Get("/units/{unitID}/billing/current", h.current)
}

type chargeRequest struct {
	Category string          `json:"category" validate:"required,oneof=additional discount"`
	Type     string          `json:"charge_type" validate:"required,max=64"`
	Amount   decimal.Decimal `json:"amount"`
}

type amountsRequest struct {
	WaterAmount       decimal.Decimal `json:"water_amount"`
	ElectricityAmount decimal.Decimal `json:"electricity_amount"`
	RentAmount        decimal.Decimal `json:"rent_amount"`
}

type createRequest struct {
	UnitID  int64  `json:"unit_id" validate:"required,gt=0"`
	Month   string `json:"month" validate:"required,datetime=2006-01"`
	DueDate string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	amountsRequest
	Charges     []chargeRequest `json:"charges" validate:"dive"`
	DocumentURL string          `json:"document_url" validate:"omitempty,url"`
}

type updateRequest struct {
	DueDate string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	amountsRequest
	Charges     []chargeRequest `json:"charges" validate:"dive"`
	DocumentURL *string         `json:"document_url" validate:"omitempty,url"`
}

func (a amountsRequest) amounts() Amounts {
	return Amounts{Water: a.WaterAmount, Electricity: a.ElectricityAmount, Rent: a.RentAmount}
}

func chargeInputs(reqs []chargeRequest) []ChargeInput {
	out := make([]ChargeInput, 0, len(reqs))
	for _, c := range reqs {
		out = append(out, ChargeInput{Category: ChargeCategory(c.Category), Type: c.Type, Amount: c.Amount})
	}
	return out
}

func parseDueDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := shared.ActorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	month, err := readings.ParseMonth(req.Month)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Create(r.Context(), actor, CreateInput{
		UnitID:      req.UnitID,
		Month:       month,
		DueDate:     parseDueDate(req.DueDate),
		Amounts:     req.amounts(),
		Charges:     chargeInputs(req.Charges),
		DocumentURL: req.DocumentURL,
	})
	if err != nil {
		h.fail(w, "create billing", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
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
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Update(r.Context(), actor, id, UpdateInput{
		DueDate:     parseDueDate(req.DueDate),
		Amounts:     req.amounts(),
		Charges:     chargeInputs(req.Charges),
		DocumentURL: req.DocumentURL,
	})
	if err != nil {
		h.fail(w, "update billing", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if _, err := shared.ActorFromRequest(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get billing", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	if _, err := shared.ActorFromRequest(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	unitID, err := httpx.IDParam(r, "unitID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	snap, err := h.service.Snapshot(r.Context(), unitID, time.Now().UTC())
	if err != nil {
		h.fail(w, "billing snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
