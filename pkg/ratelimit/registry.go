package ratelimit

// Route identifies one of the rate-limited HTTP surfaces from spec §4.7.
type Route string

const (
	RouteChat    Route = "chat"
	RouteModels  Route = "models"
	RouteHealth  Route = "health"
	RouteMetrics Route = "metrics"
)

// Registry holds one Limiter per route, each with its own configured rate.
type Registry struct {
	limiters map[Route]*Limiter
}

// NewRegistry builds a Registry with per-route rates (requests/minute).
func NewRegistry(chatPerMin, modelsPerMin, healthPerMin, metricsPerMin int) *Registry {
	return &Registry{
		limiters: map[Route]*Limiter{
			RouteChat:    NewLimiter(chatPerMin),
			RouteModels:  NewLimiter(modelsPerMin),
			RouteHealth:  NewLimiter(healthPerMin),
			RouteMetrics: NewLimiter(metricsPerMin),
		},
	}
}

// Allow checks route's bucket for key (the caller identity; an IP address
// by default, pluggable by whatever the caller passes).
func (r *Registry) Allow(route Route, key string) (allowed bool, retryAfterSeconds int) {
	l, ok := r.limiters[route]
	if !ok {
		return true, 0
	}
	allowed, wait := l.Allow(key)
	if allowed {
		return true, 0
	}
	seconds := int(wait.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return false, seconds
}
