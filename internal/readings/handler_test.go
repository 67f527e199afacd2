package readings

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rentwise/rentwise/internal/shared"
)

func newHandlerRouter(repo *memoryRepo) http.Handler {
	r := chi.NewRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewHandler(logger, NewResolver(repo, logger)).MountRoutes(r)
	return r
}

func serve(h http.Handler, method, path, body, userID, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(shared.HeaderUserID, userID)
		req.Header.Set(shared.HeaderUserRole, role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRecordAndResolve(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[3] = Unit{ID: 3, PropertyID: 1, LandlordID: 10, DueDay: 31}
	repo.add(3, UtilityWater, "2025-05-05", nil, 120)
	router := newHandlerRouter(repo)

	rec := serve(router, http.MethodPost, "/units/3/readings",
		`{"utility_type":"water","reading_date":"2025-06-05","current_reading":"134"}`, "10", "landlord")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved MeterReading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	require.True(t, saved.PreviousReading.Valid)
	require.True(t, saved.PreviousReading.Decimal.Equal(decimal.NewFromInt(120)))

	rec = serve(router, http.MethodGet, "/units/3/readings/resolved?month=2025-06", "", "10", "landlord")
	require.Equal(t, http.StatusOK, rec.Code)
	var res Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	requireDecimal(t, 120, res.Water.Previous)
	requireDecimal(t, 134, res.Water.Current)
	require.Equal(t, "2025-06-30", res.DueDate.Format("2006-01-02"))
}

func TestHandlerRecordRejects(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[3] = Unit{ID: 3, PropertyID: 1, LandlordID: 10}
	router := newHandlerRouter(repo)
	body := `{"utility_type":"water","reading_date":"2025-06-05","current_reading":"10"}`

	require.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/units/3/readings", body, "", "").Code)
	require.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/units/3/readings", body, "11", "landlord").Code)
	require.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/units/3/readings",
		`{"utility_type":"gas","reading_date":"2025-06-05","current_reading":"10"}`, "10", "landlord").Code)
	require.Equal(t, http.StatusNotFound, serve(router, http.MethodPost, "/units/4/readings", body, "10", "landlord").Code)
	require.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/units/3/readings/resolved?month=June", "", "10", "landlord").Code)
	require.Empty(t, repo.readings)
}
