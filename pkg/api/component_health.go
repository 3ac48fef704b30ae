package api

import (
	"sync"
	"time"
)

// componentHealth records the last time each named component was observed
// healthy, for GET /health/detailed's last_success_at fields. There is no
// durable store backing this anywhere in the corpus for a concern this
// narrow, so it is tracked in-process for the server's lifetime — it
// resets on restart, same as the Prometheus counters in pkg/ratelimit.
type componentHealth struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newComponentHealth() *componentHealth {
	return &componentHealth{seen: make(map[string]time.Time)}
}

// markHealthy records now as component's last success time and returns it.
func (h *componentHealth) markHealthy(component string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.seen[component] = now
	return now
}

// lastSuccess returns the last recorded success time for component, if any.
func (h *componentHealth) lastSuccess(component string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.seen[component]
	return t, ok
}
