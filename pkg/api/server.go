// Package api wires the gateway's components onto an HTTP surface: the
// OpenAI-compatible chat-completions endpoint, model listing, health
// checks, Prometheus metrics, and the Virtuous Cycle Manager's control
// surface. Routing follows the teacher's pkg/api/handlers.go Server shape,
// ported from echo to gin per the framework-choice decision recorded
// alongside this package's design notes.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtuouscycle/gateway/pkg/cache"
	"github.com/virtuouscycle/gateway/pkg/gateway"
	"github.com/virtuouscycle/gateway/pkg/quality"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
	"github.com/virtuouscycle/gateway/pkg/vcm"
	"github.com/virtuouscycle/gateway/pkg/version"
)

// Server bundles every dependency the HTTP surface dispatches into.
type Server struct {
	gateway    *gateway.Gateway
	manager    *vcm.Manager
	variants   *gateway.VariantStore
	cache      *cache.Cache
	collector  *quality.Collector
	limits     *ratelimit.Registry
	monitor    *ratelimit.Monitor
	startedAt  time.Time
	components *componentHealth
	log        *slog.Logger
}

// Deps bundles the Server's constructor-injected dependencies.
type Deps struct {
	Gateway   *gateway.Gateway
	Manager   *vcm.Manager
	Variants  *gateway.VariantStore
	Cache     *cache.Cache
	Collector *quality.Collector
	Limits    *ratelimit.Registry
	Monitor   *ratelimit.Monitor
}

// NewServer constructs a Server.
func NewServer(d Deps) *Server {
	return &Server{
		gateway:    d.Gateway,
		manager:    d.Manager,
		variants:   d.Variants,
		cache:      d.Cache,
		collector:  d.Collector,
		limits:     d.Limits,
		monitor:    d.Monitor,
		startedAt:  time.Now(),
		components: newComponentHealth(),
		log:        slog.With("component", "api_server"),
	}
}

// Router builds the gin engine with every route, middleware, and the
// Prometheus handler mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(securityHeaders())

	r.GET("/health", s.health)
	r.GET("/health/detailed", s.healthDetailed)
	r.GET("/metrics", s.rateLimited(ratelimit.RouteMetrics, gin.WrapH(promhttp.Handler())))

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", s.rateLimited(ratelimit.RouteChat, s.chatCompletions))
		v1.GET("/models", s.rateLimited(ratelimit.RouteModels, s.listModels))

		v1.GET("/virtuous-cycle/status", s.vcmStatus)
		v1.POST("/virtuous-cycle/trigger", s.vcmTrigger)
		v1.GET("/virtuous-cycle/changes", s.vcmChanges)
	}

	return r
}

// rateLimited wraps next with the per-route token-bucket check, keyed by
// caller identity (spec §4.7: pluggable key, defaulting to the client IP).
func (s *Server) rateLimited(route ratelimit.Route, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limits == nil {
			next(c)
			return
		}
		key := callerIdentity(c)
		allowed, retryAfter := s.limits.Allow(route, key)
		if !allowed {
			if s.monitor != nil {
				s.monitor.RecordRateLimited()
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorEnvelope{Error: ErrorBody{
				Message: "rate limit exceeded for this route",
				Kind:    "rate_limited",
			}})
			return
		}
		next(c)
	}
}

// callerIdentity is the rate-limit and A/B-assignment key for a request:
// an authenticated caller's API key when present, else the client IP.
func callerIdentity(c *gin.Context) string {
	if key := c.GetHeader("Authorization"); key != "" {
		return key
	}
	return c.ClientIP()
}

// appVersion is reported in the health payloads.
func appVersion() string { return version.Full() }
