package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"unauthorized", Unauthorized(""), KindUnauthorized, http.StatusUnauthorized},
		{"forbidden", Forbidden("missing manage_roles"), KindForbidden, http.StatusForbidden},
		{"not found", NotFound("vehicle"), KindNotFound, http.StatusNotFound},
		{"validation", FieldError("email", "is required"), KindValidation, http.StatusUnprocessableEntity},
		{"conflict", Conflict("email already registered"), KindConflict, http.StatusConflict},
		{"rate limited", RateLimited("slow down"), KindRateLimited, http.StatusTooManyRequests},
		{"wrapped", fmt.Errorf("loading: %w", NotFound("quote")), KindNotFound, http.StatusNotFound},
		{"plain error", errors.New("boom"), KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, KindOf(tt.err).HTTPStatus())
		})
	}
}

func TestErrorsIsMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("get: %w", NotFound("work order"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.True(t, IsNotFound(err))
}

func TestErrorMessage(t *testing.T) {
	err := Validation("", map[string]string{"vin": "is required", "year": "must be at least 1900"})
	assert.Equal(t, "validation failed (vin: is required, year: must be at least 1900)", err.Error())

	internal := Internal(errors.New("connection reset"))
	assert.Equal(t, "internal server error: connection reset", internal.Error())
	assert.Equal(t, "connection reset", errors.Unwrap(internal).Error())
}
