package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/platform/httpx"
	"github.com/rentwise/rentwise/internal/shared"
)

// Handler exposes payment and webhook endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the tenant-facing payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments", h.record)
	r.Get("/payments/{id}", h.get)
}

// MountWebhooks registers gateway callbacks.
func (h *Handler) MountWebhooks(r chi.Router) {
	r.Post("/webhooks/gateway/invoice", h.webhook(h.service.HandleInvoiceCallback))
	r.Post("/webhooks/gateway/payment-request", h.webhook(h.service.HandlePaymentRequestCallback))
}

type paymentRequest struct {
	AgreementID      int64           `json:"agreement_id" validate:"required,gt=0"`
	BillID           *int64          `json:"bill_id" validate:"omitempty,gt=0"`
	Type             string          `json:"payment_type" validate:"required,oneof=initial_payment security_deposit advance_payment monthly_billing"`
	Amount           decimal.Decimal `json:"amount_paid"`
	Status           string          `json:"payment_status" validate:"omitempty,oneof=pending confirmed failed cancelled"`
	ReceiptReference string          `json:"receipt_reference" validate:"required,max=128"`
	ProofURL         string          `json:"proof_url" validate:"omitempty,url"`
	PaymentDate      *time.Time      `json:"payment_date"`
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	actor, err := shared.ActorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := TenantPaymentInput{
		AgreementID:      req.AgreementID,
		BillID:           req.BillID,
		Type:             PaymentType(req.Type),
		Amount:           req.Amount,
		Status:           PaymentStatus(req.Status),
		ReceiptReference: req.ReceiptReference,
		ProofURL:         req.ProofURL,
	}
	if req.PaymentDate != nil {
		in.PaymentDate = *req.PaymentDate
	}
	res, err := h.service.RecordTenantPayment(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "record payment", err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == OutcomeReplayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type callbackFunc func(ctx context.Context, token string, raw []byte) (Result, error)

// webhook answers 200 for every durable or non-actionable outcome so the
// gateway stops retrying. 503 asks for redelivery while another delivery of
// the same event is in flight; 500 is reserved for rolled back transactions.
func (h *Handler) webhook(handle callbackFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := httpx.ReadBody(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		res, err := handle(r.Context(), r.Header.Get(CallbackTokenHeader), raw)
		switch {
		case err == nil:
			httpx.JSON(w, http.StatusOK, map[string]any{"outcome": res.Outcome, "billing_id": res.BillingID})
		case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrValidation):
			httpx.RespondError(w, err)
		case errors.Is(err, ErrEventInFlight):
			w.Header().Set("Retry-After", "1")
			httpx.Problem(w, http.StatusServiceUnavailable, "Event In Flight", err.Error())
		case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrNotFound):
			h.logger.Warn("webhook acknowledged without effect", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.JSON(w, http.StatusOK, map[string]any{"outcome": OutcomeIgnored})
		default:
			h.logger.Error("webhook failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
	}
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
