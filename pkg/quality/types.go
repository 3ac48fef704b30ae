// Package quality implements the Quality Collector (C2): it normalizes raw
// traces into quality records and maintains rolling windows per model and
// spectrum. Grounded on the teacher's pkg/cleanup/service.go for the
// bounded, time-windowed housekeeping shape and pkg/runbook/cache.go for
// the "protect a fixed-size structure behind a mutex" idiom.
package quality

import "time"

// Spectrum is one of the seven fixed tags classifying a customer query.
type Spectrum string

const (
	SpectrumIdentity      Spectrum = "identity"
	SpectrumFinancial     Spectrum = "financial"
	SpectrumMultiField    Spectrum = "multi_field"
	SpectrumContext       Spectrum = "context"
	SpectrumScaling       Spectrum = "scaling"
	SpectrumEdge          Spectrum = "edge"
	SpectrumCommunication Spectrum = "communication"
)

// TraceRecord is one inference invocation, produced by the Chat Gateway
// (C5) and ingested here. Never mutated after ingest.
type TraceRecord struct {
	TraceID       string
	Session       string
	Model         string
	Spectrum      Spectrum
	LatencyMS     int64
	TotalTokens   int
	InputTokens   int
	OutputTokens  int
	Error         string
	FeedbackScore *float64 // nil when absent
	// StructurallyValid reports whether the completion satisfied the
	// request's expected output shape (e.g. well-formed tool-call JSON
	// when tools were requested). Feeds the structural fallback score's
	// w_struct term.
	StructurallyValid bool
	CreatedAt         time.Time
	Tags              []string
}

// Valid reports whether the record satisfies the ingest invariants:
// total_tokens = input_tokens + output_tokens, and feedback_score, when
// present, lies in [0,1].
func (t TraceRecord) Valid() bool {
	if t.TraceID == "" || t.Model == "" {
		return false
	}
	if t.TotalTokens != t.InputTokens+t.OutputTokens {
		return false
	}
	if t.FeedbackScore != nil && (*t.FeedbackScore < 0 || *t.FeedbackScore > 1) {
		return false
	}
	return true
}

// QualityRecord is derived from exactly one TraceRecord.
type QualityRecord struct {
	TraceID      string
	Model        string
	Spectrum     Spectrum
	Score        float64
	LatencyMS    int64
	CostEstimate float64
	WindowBucket time.Time // 30-second-aligned UTC
	Timestamp    time.Time
}

// QualityWindow is a rolling aggregate snapshot.
type QualityWindow struct {
	BucketStart time.Time
	Duration    time.Duration
	Count       int64
	Mean        float64
	P50         float64
	P95         float64
	StdDev      float64
	ByModel     map[string]float64
	BySpectrum  map[Spectrum]float64
}

// ScoringWeights controls the structural fallback scoring rule used when a
// trace carries no explicit feedback_score.
type ScoringWeights struct {
	Success   float64 // w_succ
	Latency   float64 // w_lat
	Structure float64 // w_struct
	SLOMillis float64
}

// DefaultScoringWeights matches spec §4.2's defaults.
var DefaultScoringWeights = ScoringWeights{
	Success:   0.5,
	Latency:   0.2,
	Structure: 0.3,
	SLOMillis: 3000,
}

func alignToWindow(t time.Time, bucket time.Duration) time.Time {
	return t.Truncate(bucket)
}
