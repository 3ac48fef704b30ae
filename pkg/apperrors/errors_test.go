package apperrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackendError_Classification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", 401, ErrAuth},
		{"forbidden", 403, ErrAuth},
		{"rate_limited", 429, ErrRateLimited},
		{"not_found", 404, ErrNotFound},
		{"server_error", 503, ErrTransientBackend},
		{"other_4xx", 418, ErrProtocolError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewBackendError("list_runs", tc.status, 0, errors.New("boom"))
			assert.True(t, errors.Is(err, tc.want))
		})
	}
}

func TestIsRetriable(t *testing.T) {
	require.True(t, IsRetriable(NewBackendError("op", 503, 0, nil)))
	require.True(t, IsRetriable(NewBackendError("op", 429, 2*time.Second, nil)))
	require.False(t, IsRetriable(NewBackendError("op", 401, 0, nil)))
	require.False(t, IsRetriable(NewBackendError("op", 404, 0, nil)))
}

func TestValidationError_Unwrap(t *testing.T) {
	err := NewValidationError("model", "must be registered")
	assert.True(t, errors.Is(err, ErrUserError))
	assert.Contains(t, err.Error(), "model")
}
