// Package abtest implements the A/B Testing capability (C3): deterministic
// traffic allocation between a control and treatment prompt variant, and
// Welch's t-test based conclusion once enough samples have accumulated.
package abtest

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// MinSamplesPerArm is the admission gate: an experiment cannot be
// concluded until both arms have at least this many samples.
const MinSamplesPerArm = 30

// Alpha is the two-sided significance level for concluding a winner.
const Alpha = 0.05

// PromotionMargin is the minimum treatment-over-control mean improvement
// required for the optimization cycle to promote a winning variant
// (spec §4.4), distinct from Alpha's conclusion test (spec §4.3).
const PromotionMargin = 0.02

// DefaultTrafficSplit is the default treatment-arm share.
const DefaultTrafficSplit = 0.5

// MinTrafficSplit and MaxTrafficSplit bound adjustable traffic splits.
const (
	MinTrafficSplit = 0.10
	MaxTrafficSplit = 0.50
)

// MaxDuration is the hard timeout for a still-running experiment: once it
// has passed, Evaluate aborts the experiment if either arm is still below
// MinSamplesPerArm. With enough samples in both arms, Evaluate concludes
// by the t-test whether or not the timeout has passed.
const MaxDuration = 7 * 24 * time.Hour

// Status is an Experiment's lifecycle state. All Concluded* states and
// StatusAborted are terminal.
type Status string

const (
	StatusRunning                   Status = "running"
	StatusConcludedWinnerTreatment  Status = "concluded_winner_treatment"
	StatusConcludedWinnerControl    Status = "concluded_winner_control"
	StatusConcludedInconclusive     Status = "concluded_inconclusive"
	StatusAborted                   Status = "aborted"
)

func (s Status) terminal() bool {
	return s != StatusRunning
}

// Experiment tracks one control-vs-treatment prompt variant comparison.
type Experiment struct {
	mu sync.Mutex

	ExperimentID string
	Model        string
	Spectrum     string
	TrafficSplit float64 // treatment share, e.g. 0.5
	StartedAt    time.Time
	Status       Status

	controlScores   []float64
	treatmentScores []float64
}

// New creates a running experiment. trafficSplit is clamped to
// [MinTrafficSplit, MaxTrafficSplit]; <= 0 uses DefaultTrafficSplit.
func New(model, spectrum string, trafficSplit float64) *Experiment {
	if trafficSplit <= 0 {
		trafficSplit = DefaultTrafficSplit
	}
	if trafficSplit < MinTrafficSplit {
		trafficSplit = MinTrafficSplit
	}
	if trafficSplit > MaxTrafficSplit {
		trafficSplit = MaxTrafficSplit
	}
	return &Experiment{
		ExperimentID: uuid.NewString(),
		Model:        model,
		Spectrum:     spectrum,
		TrafficSplit: trafficSplit,
		StartedAt:    time.Now(),
		Status:       StatusRunning,
	}
}

// Assign deterministically routes requestFingerprint to "treatment" or
// "control" by hashing it with FNV-1a mod 100 against the traffic split,
// so the same fingerprint always lands in the same arm for an
// experiment's lifetime.
func (e *Experiment) Assign(requestFingerprint string) string {
	h := fnv.New64a()
	h.Write([]byte(requestFingerprint))
	bucket := h.Sum64() % 100
	if bucket < uint64(e.TrafficSplit*100) {
		return "treatment"
	}
	return "control"
}

// Record folds one observed score into arm's sample ("treatment" or
// "control"). Unknown arm values are ignored.
func (e *Experiment) Record(arm string, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch arm {
	case "treatment":
		e.treatmentScores = append(e.treatmentScores, score)
	case "control":
		e.controlScores = append(e.controlScores, score)
	}
}

// SampleCounts reports how many observations each arm has collected.
func (e *Experiment) SampleCounts() (control, treatment int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.controlScores), len(e.treatmentScores)
}

// Conclusion is the outcome of evaluating an experiment's accumulated
// samples.
type Conclusion struct {
	Status        Status
	ControlMean   float64
	TreatmentMean float64
	Delta         float64 // treatment - control
	PValue        float64
	Promote       bool // whether the cycle should promote treatment (spec §4.4 margin)
}

// Evaluate runs Welch's t-test over the experiment's current samples and
// decides its terminal status. It transitions e.Status exactly once: a
// call on an already-terminal experiment keeps its status and returns a
// Conclusion recomputed from the current samples, never re-firing a
// transition.
//
// Evaluate returns ErrInsufficientData (without transitioning state) when
// either arm has fewer than MinSamplesPerArm samples and the hard timeout
// has not elapsed; past the timeout it force-concludes as aborted.
func (e *Experiment) Evaluate() (Conclusion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Status.terminal() {
		return e.conclusionLocked(), nil
	}

	expired := time.Since(e.StartedAt) > MaxDuration
	if len(e.controlScores) < MinSamplesPerArm || len(e.treatmentScores) < MinSamplesPerArm {
		if expired {
			e.Status = StatusAborted
			return e.conclusionLocked(), nil
		}
		return Conclusion{}, capability.ErrInsufficientData
	}

	controlMean := statistics.Mean(e.controlScores)
	treatmentMean := statistics.Mean(e.treatmentScores)
	test, ok := statistics.WelchTTest(e.treatmentScores, e.controlScores)
	if !ok {
		return Conclusion{}, capability.ErrInsufficientData
	}

	delta := treatmentMean - controlMean
	switch {
	case test.PValue <= Alpha && delta > 0:
		e.Status = StatusConcludedWinnerTreatment
	case test.PValue <= Alpha && delta < 0:
		e.Status = StatusConcludedWinnerControl
	default:
		e.Status = StatusConcludedInconclusive
	}

	return e.conclusionLocked(), nil
}

func (e *Experiment) conclusionLocked() Conclusion {
	controlMean := statistics.Mean(e.controlScores)
	treatmentMean := statistics.Mean(e.treatmentScores)
	delta := treatmentMean - controlMean

	var pValue float64
	if test, ok := statistics.WelchTTest(e.treatmentScores, e.controlScores); ok {
		pValue = test.PValue
	}

	return Conclusion{
		Status:        e.Status,
		ControlMean:   controlMean,
		TreatmentMean: treatmentMean,
		Delta:         delta,
		PValue:        pValue,
		Promote:       e.Status == StatusConcludedWinnerTreatment && delta >= PromotionMargin && pValue <= Alpha,
	}
}

// Abort force-terminates a running experiment. A no-op if already
// terminal.
func (e *Experiment) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Status.terminal() {
		e.Status = StatusAborted
	}
}
