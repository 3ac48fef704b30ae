package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// health handles GET /health: a minimal, unauthenticated-safe liveness
// check suitable for an orchestrator's restart decision. It checks only
// this process's own in-memory state (the provider registry is non-empty),
// never an external dependency — an outage in the observability backend or
// a single provider must not cause the orchestrator to restart the
// gateway, mirroring the teacher's healthHandler scoping.
func (s *Server) health(c *gin.Context) {
	status := healthStatusHealthy
	if len(s.gateway.Registry().Models()) == 0 {
		status = healthStatusDegraded
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: appVersion(),
		Uptime:  time.Since(s.startedAt).String(),
	})
}

// healthDetailed handles GET /health/detailed: per-component status with
// last_success_at timestamps, supplementing the plain /health liveness
// check with a diagnostic view over every dependency.
func (s *Server) healthDetailed(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	overall := healthStatusHealthy

	if len(s.gateway.Registry().Models()) > 0 {
		at := s.components.markHealthy("providers")
		checks["providers"] = HealthCheck{Status: healthStatusHealthy, LastSuccessAt: &at}
	} else {
		overall = healthStatusDegraded
		checks["providers"] = HealthCheck{Status: healthStatusDegraded, Message: "no providers registered"}
	}

	if s.cache != nil {
		if s.cache.L2Healthy(reqCtx) {
			at := s.components.markHealthy("cache_l2")
			checks["cache_l2"] = HealthCheck{Status: healthStatusHealthy, LastSuccessAt: &at}
		} else if last, ok := s.components.lastSuccess("cache_l2"); ok {
			checks["cache_l2"] = HealthCheck{Status: healthStatusDegraded, Message: "L2 unreachable, serving from L1", LastSuccessAt: &last}
		} else {
			checks["cache_l2"] = HealthCheck{Status: healthStatusDegraded, Message: "L2 not configured or unreachable"}
		}
	}

	if s.manager != nil {
		vcmStatus := s.manager.Status()
		if vcmStatus.MonitoringActive {
			at := s.components.markHealthy("virtuous_cycle_manager")
			checks["virtuous_cycle_manager"] = HealthCheck{Status: healthStatusHealthy, LastSuccessAt: &at}
		} else {
			overall = healthStatusDegraded
			checks["virtuous_cycle_manager"] = HealthCheck{Status: healthStatusDegraded, Message: "monitoring loops not running"}
		}
	}

	if s.collector != nil {
		at := s.components.markHealthy("quality_collector")
		checks["quality_collector"] = HealthCheck{Status: healthStatusHealthy, LastSuccessAt: &at}
	}

	httpStatus := http.StatusOK
	if overall == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:  overall,
		Version: appVersion(),
		Uptime:  time.Since(s.startedAt).String(),
		Checks:  checks,
	})
}
