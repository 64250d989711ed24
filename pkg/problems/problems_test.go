package problems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusKeepsUnauthorizedAndForbiddenApart(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, Status(Wrap(ErrUnauthorized, "bad key")))
	assert.Equal(t, http.StatusForbidden, Status(Wrap(ErrForbidden, "not owner")))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidGrant, http.StatusBadRequest},
		{ErrInvalidState, http.StatusConflict},
		{ErrAlreadyMigrated, http.StatusConflict},
		{ErrInsufficientCredits, http.StatusPaymentRequired},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidArgument, http.StatusBadRequest},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(fmt.Errorf("op: %w", tt.err)))
		})
	}
}

func TestTimeoutBecomesUnavailable(t *testing.T) {
	err := Timeout(fmt.Errorf("query: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, Timeout(nil))
	assert.NotErrorIs(t, Timeout(ErrNotFound), ErrUnavailable)
}

func TestWriteProblemJSON(t *testing.T) {
	t.Setenv("PROBLEM_BASE_URL", "https://chatgate.test/problems/")
	rec := httptest.NewRecorder()
	Write(rec, Wrap(ErrInsufficientCredits, "need 15, have 3"))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "https://chatgate.test/problems/insufficient-credits", p.Type)
	assert.Contains(t, p.Detail, "need 15")
}

func TestInternalErrorHidesDetail(t *testing.T) {
	p := From(errors.New("pq: password authentication failed"))
	assert.Empty(t, p.Detail)
}
