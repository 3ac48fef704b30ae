package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor exposes operation timers and counters with bounded in-memory
// history, per spec §4.7. Metrics are also mirrored into Prometheus
// collectors so GET /metrics reports the same numbers.
type Monitor struct {
	mu      sync.Mutex
	history map[string][]timing // op -> recent durations, capped

	rateLimited      prometheus.Counter
	cacheHitRatio    prometheus.Gauge
	loopCadenceDrift *prometheus.HistogramVec
	experimentsTotal *prometheus.CounterVec
	operationDur     *prometheus.HistogramVec

	timersMu sync.Mutex
	timers   map[int64]*activeTimer
	nextID   int64
}

type timing struct {
	duration time.Duration
	ok       bool
	at       time.Time
}

type activeTimer struct {
	op       string
	meta     map[string]string
	started  time.Time
}

const maxHistoryPerOp = 10000

// NewMonitor registers the VCM's Prometheus collectors against reg (pass
// prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer in
// production).
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		history: make(map[string][]timing),
		timers:  make(map[int64]*activeTimer),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcm_rate_limited_total",
			Help: "Total requests rejected by the per-route rate limiter.",
		}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcm_cache_hit_ratio",
			Help: "Rolling cache hit ratio across both tiers.",
		}),
		loopCadenceDrift: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vcm_loop_cadence_seconds",
			Help:    "Observed interval between consecutive runs of each VCM loop.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		experimentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcm_experiments_total",
			Help: "Experiments by status (started, then their terminal status).",
		}, []string{"status"}),
		operationDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vcm_operation_duration_seconds",
			Help:    "Duration of monitored operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(m.rateLimited, m.cacheHitRatio, m.loopCadenceDrift, m.experimentsTotal, m.operationDur)
	return m
}

// StartTimer begins timing op and returns an opaque id for EndTimer.
func (m *Monitor) StartTimer(op string, meta map[string]string) int64 {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	m.nextID++
	id := m.nextID
	m.timers[id] = &activeTimer{op: op, meta: meta, started: time.Now()}
	return id
}

// EndTimer completes the timer for id, recording its duration into both the
// bounded in-memory history and the Prometheus histogram.
func (m *Monitor) EndTimer(id int64, ok bool) {
	m.timersMu.Lock()
	t, found := m.timers[id]
	if found {
		delete(m.timers, id)
	}
	m.timersMu.Unlock()
	if !found {
		return
	}

	d := time.Since(t.started)
	m.operationDur.WithLabelValues(t.op).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[t.op]
	h = append(h, timing{duration: d, ok: ok, at: time.Now()})
	if len(h) > maxHistoryPerOp {
		h = h[len(h)-maxHistoryPerOp:]
	}
	m.history[t.op] = h
}

// RecordRateLimited increments the rate-limited counter (spec scenario 5:
// monitor rate_limited_total increments by 1 per rejected request).
func (m *Monitor) RecordRateLimited() {
	m.rateLimited.Inc()
}

// SetCacheHitRatio publishes the current rolling cache hit ratio.
func (m *Monitor) SetCacheHitRatio(ratio float64) {
	m.cacheHitRatio.Set(ratio)
}

// RecordLoopCadence publishes the observed interval between two consecutive
// runs of loop.
func (m *Monitor) RecordLoopCadence(loop string, interval time.Duration) {
	m.loopCadenceDrift.WithLabelValues(loop).Observe(interval.Seconds())
}

// RecordExperimentTerminal increments the experiments-by-status counter.
// Callers use it both for "started" and for each terminal status.
func (m *Monitor) RecordExperimentTerminal(status string) {
	m.experimentsTotal.WithLabelValues(status).Inc()
}

// History returns a copy of the recorded timings for op, most recent last.
func (m *Monitor) History(op string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[op]
	out := make([]time.Duration, len(h))
	for i, t := range h {
		out[i] = t.duration
	}
	return out
}
