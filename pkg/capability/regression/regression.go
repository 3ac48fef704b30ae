// Package regression implements the Delta / Regression Analysis capability
// (C3): compares a live window's mean quality against its baseline and
// signals a regression when the drop is both large and statistically
// significant.
package regression

import (
	"context"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// DefaultRegressionDelta is the minimum baseline-minus-live mean drop
// that counts as a candidate regression, before the significance test is
// even considered. Configurable via REGRESSION_DELTA.
const DefaultRegressionDelta = 0.05

// Input carries the raw per-record scores for the live and baseline
// windows, plus the models/spectrums those scores were drawn from (for
// attribution in the Result).
type Input struct {
	LiveScores       []float64
	BaselineScores   []float64
	AffectedModels   []string
	AffectedSpectrums []string
	RegressionDelta  float64 // 0 means DefaultRegressionDelta
}

// Result is the outcome of one regression check.
type Result struct {
	Regression        bool
	Magnitude         float64
	PValue            float64
	AffectedModels    []string
	AffectedSpectrums []string
}

// Run compares the live window mean against the baseline mean. A
// regression is signalled when baseline_mean - live_mean >= delta AND
// Welch's t-test yields p <= 0.05, per spec §4.3.
func Run(_ context.Context, in Input) (Result, error) {
	if len(in.LiveScores) < 2 || len(in.BaselineScores) < 2 {
		return Result{}, capability.ErrInsufficientData
	}

	delta := in.RegressionDelta
	if delta == 0 {
		delta = DefaultRegressionDelta
	}

	liveMean := statistics.Mean(in.LiveScores)
	baselineMean := statistics.Mean(in.BaselineScores)
	magnitude := baselineMean - liveMean

	test, ok := statistics.WelchTTest(in.BaselineScores, in.LiveScores)
	if !ok {
		return Result{}, capability.ErrInsufficientData
	}

	regressed := magnitude >= delta && test.PValue <= 0.05

	return Result{
		Regression:        regressed,
		Magnitude:          magnitude,
		PValue:             test.PValue,
		AffectedModels:     in.AffectedModels,
		AffectedSpectrums:  in.AffectedSpectrums,
	}, nil
}
