package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
	"github.com/virtuouscycle/gateway/pkg/gateway"
)

// mapError translates an internal error into the {error:{message, kind,
// code}} envelope and an HTTP status code, per spec §7.
func mapError(err error) (int, ErrorEnvelope) {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		return requestErrorStatus(reqErr), ErrorEnvelope{Error: ErrorBody{
			Message: reqErr.Message,
			Kind:    string(reqErr.Kind),
		}}
	}

	var validErr *apperrors.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, ErrorEnvelope{Error: ErrorBody{Message: validErr.Error(), Kind: "user_error"}}
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return http.StatusNotFound, ErrorEnvelope{Error: ErrorBody{Message: err.Error(), Kind: "not_found"}}
	}
	if errors.Is(err, apperrors.ErrRateLimited) {
		return http.StatusTooManyRequests, ErrorEnvelope{Error: ErrorBody{Message: err.Error(), Kind: "rate_limited"}}
	}

	slog.Error("unhandled internal error", "error", err)
	return http.StatusInternalServerError, ErrorEnvelope{Error: ErrorBody{Message: "internal server error", Kind: "internal"}}
}

func requestErrorStatus(e *gateway.RequestError) int {
	switch e.Kind {
	case gateway.ErrorContextLength:
		return http.StatusBadRequest
	case gateway.ErrorRateLimited:
		return http.StatusTooManyRequests
	case gateway.ErrorProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
