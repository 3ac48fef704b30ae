package quality

import (
	"log/slog"
	"sync"
	"time"

	"github.com/virtuouscycle/gateway/pkg/statistics"
)

const (
	bufferCapacity = 10000
	reservoirSize  = 512
	windowBucket   = 30 * time.Second

	// LiveWindowDuration is the rolling window used for real-time
	// monitoring.
	LiveWindowDuration = time.Hour
	// BaselineWindowDuration is the rolling window used as regression
	// reference.
	BaselineWindowDuration = 7 * 24 * time.Hour
)

// RejectReason explains why Ingest refused a trace.
type RejectReason string

const (
	RejectMalformed RejectReason = "malformed"
	RejectDuplicate RejectReason = "duplicate"
)

// Collector transforms TraceRecords into QualityRecords and serves rolling
// aggregates over them.
type Collector struct {
	weights ScoringWeights

	mu      sync.RWMutex
	buffer  *circularBuffer
	seen    map[string]struct{} // trace_id -> present, bounded by buffer eviction

	subMu       sync.Mutex
	subscribers []chan QualityRecord
	closed      bool

	log *slog.Logger
}

// New builds a Collector with the given structural-fallback scoring
// weights (pass DefaultScoringWeights for spec defaults).
func New(weights ScoringWeights) *Collector {
	return &Collector{
		weights: weights,
		buffer:  newCircularBuffer(bufferCapacity),
		seen:    make(map[string]struct{}, bufferCapacity),
		log:     slog.With("component", "quality_collector"),
	}
}

// Ingest normalizes trace into a QualityRecord and folds it into the
// rolling buffer. Malformed traces and trace_id duplicates are rejected
// without side effects.
func (c *Collector) Ingest(trace TraceRecord) (ok bool, reason RejectReason) {
	if !trace.Valid() {
		return false, RejectMalformed
	}

	c.mu.Lock()
	if _, dup := c.seen[trace.TraceID]; dup {
		c.mu.Unlock()
		return false, RejectDuplicate
	}

	record := QualityRecord{
		TraceID:      trace.TraceID,
		Model:        trace.Model,
		Spectrum:     trace.Spectrum,
		Score:        c.score(trace),
		LatencyMS:    trace.LatencyMS,
		CostEstimate: estimateCost(trace),
		WindowBucket: alignToWindow(trace.CreatedAt, windowBucket),
		Timestamp:    trace.CreatedAt,
	}

	c.seen[trace.TraceID] = struct{}{}
	if evicted := c.buffer.push(record); evicted != "" {
		delete(c.seen, evicted)
	}
	c.mu.Unlock()

	c.publish(record)
	return true, ""
}

// score implements spec §4.2's scoring rule: feedback_score when present,
// otherwise the structural fallback.
func (c *Collector) score(trace TraceRecord) float64 {
	if trace.FeedbackScore != nil {
		return *trace.FeedbackScore
	}

	success := 0.0
	if trace.Error == "" {
		success = 1.0
	}
	latencyComponent := clip(1-float64(trace.LatencyMS)/c.weights.SLOMillis, 0, 1)
	structureComponent := 0.0
	if trace.StructurallyValid {
		structureComponent = 1.0
	}

	return c.weights.Success*success + c.weights.Latency*latencyComponent + c.weights.Structure*structureComponent
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// estimateCost is a coarse per-token cost estimate; real pricing is a
// provider concern (C5) and not modeled here beyond a placeholder used for
// QualityRecord.cost_estimate.
func estimateCost(trace TraceRecord) float64 {
	const perThousandTokens = 0.002
	return float64(trace.TotalTokens) / 1000 * perThousandTokens
}

// Snapshot computes a QualityWindow over the given duration (typically
// LiveWindowDuration or BaselineWindowDuration), optionally filtered by
// model and/or spectrum (empty string means "all").
func (c *Collector) Snapshot(duration time.Duration, model string, spectrum Spectrum) QualityWindow {
	c.mu.RLock()
	records := c.buffer.snapshot()
	c.mu.RUnlock()

	cutoff := time.Now().Add(-duration)

	var w statistics.Welford
	res := newReservoir(reservoirSize)
	byModelWelford := make(map[string]*statistics.Welford)
	bySpectrumWelford := make(map[Spectrum]*statistics.Welford)

	var bucketStart time.Time
	for _, r := range records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		if bucketStart.IsZero() || r.WindowBucket.Before(bucketStart) {
			bucketStart = r.WindowBucket
		}

		if (model == "" || r.Model == model) && (spectrum == "" || r.Spectrum == spectrum) {
			w.Add(r.Score)
			res.add(r.Score)
		}

		mw, ok := byModelWelford[r.Model]
		if !ok {
			mw = &statistics.Welford{}
			byModelWelford[r.Model] = mw
		}
		mw.Add(r.Score)

		sw, ok := bySpectrumWelford[r.Spectrum]
		if !ok {
			sw = &statistics.Welford{}
			bySpectrumWelford[r.Spectrum] = sw
		}
		sw.Add(r.Score)
	}

	p50, p95 := res.quantiles()

	byModel := make(map[string]float64, len(byModelWelford))
	for k, v := range byModelWelford {
		byModel[k] = v.Mean()
	}
	bySpectrum := make(map[Spectrum]float64, len(bySpectrumWelford))
	for k, v := range bySpectrumWelford {
		bySpectrum[k] = v.Mean()
	}

	return QualityWindow{
		BucketStart: bucketStart,
		Duration:    duration,
		Count:       w.Count(),
		Mean:        w.Mean(),
		P50:         p50,
		P95:         p95,
		StdDev:      w.StdDev(),
		ByModel:     byModel,
		BySpectrum:  bySpectrum,
	}
}

// Scores returns the raw score samples recorded within duration,
// optionally filtered by model and/or spectrum (empty means "all"),
// oldest first. Used by capabilities that need the underlying sample set
// rather than a precomputed aggregate (regression's Welch's t-test,
// forecast's baseline series).
func (c *Collector) Scores(duration time.Duration, model string, spectrum Spectrum) []float64 {
	c.mu.RLock()
	records := c.buffer.snapshot()
	c.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	var scores []float64
	for _, r := range records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		if (model == "" || r.Model == model) && (spectrum == "" || r.Spectrum == spectrum) {
			scores = append(scores, r.Score)
		}
	}
	return scores
}

// Subscribe returns a buffered channel receiving every ingested
// QualityRecord from this point forward. The channel is closed when Close
// is called; it is not restartable. Sends are non-blocking — a slow
// subscriber drops records rather than stalling Ingest.
func (c *Collector) Subscribe() <-chan QualityRecord {
	ch := make(chan QualityRecord, 1024)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *Collector) publish(record QualityRecord) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- record:
		default:
			c.log.Warn("subscriber channel full, dropping quality record", "trace_id", record.TraceID)
		}
	}
}

// Close terminates all subscriber channels. Ingest remains safe to call
// afterward but publishes become no-ops.
func (c *Collector) Close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
}

// Len reports the number of live records in the buffer, for diagnostics.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffer.len()
}
