package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rentwise/rentwise/internal/shared"
)

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: unit_id required", shared.ErrValidation): http.StatusBadRequest,
		fmt.Errorf("%w: bad token", shared.ErrUnauthorized):      http.StatusUnauthorized,
		fmt.Errorf("%w: billing 9", shared.ErrNotFound):          http.StatusNotFound,
		fmt.Errorf("%w: duplicate", shared.ErrConflict):          http.StatusConflict,
		errors.New("connection reset"):                           http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		require.Equal(t, status, StatusFor(err))
	}
}

func TestInternalErrorDoesNotLeakDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("pq: password authentication failed"))
	require.NotContains(t, rec.Body.String(), "password")
}
