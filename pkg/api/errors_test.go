package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/virtuouscycle/gateway/pkg/gateway"
)

func TestMapError_ContextLengthIsBadRequest(t *testing.T) {
	status, env := mapError(&gateway.RequestError{Kind: gateway.ErrorContextLength, Message: "too long"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "context_length", env.Error.Kind)
}

func TestMapError_RateLimitedIs429(t *testing.T) {
	status, _ := mapError(&gateway.RequestError{Kind: gateway.ErrorRateLimited, Message: "slow down"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestMapError_ProviderUnavailableIs503(t *testing.T) {
	status, _ := mapError(&gateway.RequestError{Kind: gateway.ErrorProviderUnavailable, Message: "down"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestMapError_UnknownErrorIsInternal500(t *testing.T) {
	status, env := mapError(assertionError("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", env.Error.Kind)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
