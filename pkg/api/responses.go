package api

import (
	"time"

	"github.com/virtuouscycle/gateway/pkg/gateway"
)

// ErrorEnvelope is the user-visible error shape for every non-2xx response,
// per spec §7.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error's message and stable kind.
type ErrorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is GET /health and GET /health/detailed's payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime,omitempty"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one component's health, with the last time it was
// observed succeeding (spec supplement: per-component last_success_at).
type HealthCheck struct {
	Status        string     `json:"status"`
	Message       string     `json:"message,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// ModelsResponse is GET /v1/models's payload.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo describes one registered model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// TriggerResponse is POST /v1/virtuous-cycle/trigger's payload.
type TriggerResponse struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail"`
}

// ChangesResponse is GET /v1/virtuous-cycle/changes's payload.
type ChangesResponse struct {
	Changes []gateway.PromptVariant `json:"changes"`
}
