package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		target error
	}{
		{KindBadRequest, http.StatusBadRequest, ErrBadRequest},
		{KindUnauthorized, http.StatusUnauthorized, ErrUnauthorized},
		{KindForbidden, http.StatusForbidden, ErrForbidden},
		{KindNotFound, http.StatusNotFound, ErrNotFound},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed, ErrMethodNotAllowed},
		{KindTooManyRequests, http.StatusTooManyRequests, ErrTooManyRequests},
		{KindInternal, http.StatusInternalServerError, ErrInternal},
		{KindUnavailable, http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.status, err.StatusCode())
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestMarshalJSON(t *testing.T) {
	err := TooManyRequests("slow down").
		With("retryAfter", 30).
		With("error", "ignored")

	out, mErr := json.Marshal(err)
	require.NoError(t, mErr)
	assert.JSONEq(t, `{"error":"Too Many Requests","message":"slow down","retryAfter":30}`, string(out))
}

func TestWithTitle(t *testing.T) {
	err := Forbidden("origin not allowed").WithTitle("CORS policy violation")
	out, mErr := json.Marshal(err)
	require.NoError(t, mErr)
	assert.JSONEq(t, `{"error":"CORS policy violation","message":"origin not allowed"}`, string(out))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestFrom(t *testing.T) {
	cause := errors.New("disk on fire")

	internal := From(fmt.Errorf("loading bundles: %w", cause))
	assert.Equal(t, KindInternal, internal.Kind)
	assert.ErrorIs(t, internal, cause)

	original := BadRequest("nope")
	assert.Same(t, original, From(fmt.Errorf("wrapped: %w", original)))
}

func TestWithStatus(t *testing.T) {
	err := BadRequest("URL too long").WithStatus(http.StatusRequestURITooLong)
	assert.Equal(t, http.StatusRequestURITooLong, err.StatusCode())
	assert.ErrorIs(t, err, ErrBadRequest)
}
