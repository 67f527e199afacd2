package readings

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rentwise/rentwise/internal/platform/httpx"
	"github.com/rentwise/rentwise/internal/shared"
)

// Handler exposes meter reading endpoints.
type Handler struct {
	logger    *slog.Logger
	resolver  *Resolver
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, resolver *Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver, validator: validator.New()}
}

// MountRoutes registers reading routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/units/{unitID}/readings", h.record)
	r.Get("/units/{unitID}/readings/resolved", h.resolve)
}

type recordRequest struct {
	Utility         string           `json:"utility_type" validate:"required,oneof=water electricity"`
	ReadingDate     string           `json:"reading_date" validate:"required,datetime=2006-01-02"`
	PreviousReading *decimal.Decimal `json:"previous_reading"`
	CurrentReading  decimal.Decimal  `json:"current_reading"`
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	actor, err := shared.ActorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	unitID, err := httpx.IDParam(r, "unitID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(time.DateOnly, req.ReadingDate)
	saved, err := h.resolver.Record(r.Context(), actor, RecordInput{
		UnitID:          unitID,
		Utility:         UtilityType(req.Utility),
		ReadingDate:     date,
		PreviousReading: req.PreviousReading,
		CurrentReading:  req.CurrentReading,
	})
	if err != nil {
		h.logError("record reading", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, saved)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	if _, err := shared.ActorFromRequest(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	unitID, err := httpx.IDParam(r, "unitID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	month := time.Now().UTC()
	if raw := r.URL.Query().Get("month"); raw != "" {
		month, err = ParseMonth(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	res, err := h.resolver.Resolve(r.Context(), unitID, month)
	if err != nil {
		h.logError("resolve readings", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) logError(msg string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	}
}

// ParseMonth parses a YYYY-MM billing month.
func ParseMonth(raw string) (time.Time, error) {
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: month must be YYYY-MM", shared.ErrValidation)
	}
	return MonthStart(t), nil
}
