package forecast

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// flatSeries builds a baseline with a mild upward trend plus small
// deterministic wobble, long enough to clear MinBaselineSamples.
func flatSeries(n int, level, slope float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		wobble := 0.01 * math.Sin(float64(i)/3.0)
		out[i] = level + slope*float64(i) + wobble
	}
	return out
}

func TestEnsemble_InsufficientDataBelowMinSamples(t *testing.T) {
	_, err := Ensemble(Input{Series: flatSeries(50, 0.9, 0), Horizon: 24})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInsufficientData))
}

func TestEnsemble_HorizonClampedToMax(t *testing.T) {
	res, err := Ensemble(Input{Series: flatSeries(300, 0.9, 0), Horizon: MaxHorizonHours + 100})
	require.NoError(t, err)
	assert.Len(t, res.Mean, MaxHorizonHours)
}

func TestEnsemble_FlatSeriesForecastsNearLastLevel(t *testing.T) {
	series := flatSeries(300, 0.90, 0)
	res, err := Ensemble(Input{Series: series, Horizon: 24})
	require.NoError(t, err)
	require.Len(t, res.Mean, 24)
	for _, m := range res.Mean {
		assert.InDelta(t, 0.90, m, 0.05)
	}
}

func TestEnsemble_IntervalsContainMean(t *testing.T) {
	series := flatSeries(250, 0.85, 0.0001)
	res, err := Ensemble(Input{Series: series, Horizon: 12})
	require.NoError(t, err)
	for i := range res.Mean {
		assert.LessOrEqual(t, res.Lower80[i], res.Mean[i])
		assert.GreaterOrEqual(t, res.Upper80[i], res.Mean[i])
	}
}

// TestEnsemble_OneDayBacktestMAPEUnderFifteenPercent pins the forecast
// ensemble's back-tested accuracy gate: on a smooth, mildly-trending
// baseline, the 24-hour-ahead MAPE must stay at or below 15%.
func TestEnsemble_OneDayBacktestMAPEUnderFifteenPercent(t *testing.T) {
	full := flatSeries(400, 0.90, 0.0002)
	split := len(full) - 24
	train, holdout := full[:split], full[split:]

	res, err := Ensemble(Input{Series: train, Horizon: 24})
	require.NoError(t, err)

	mape := statistics.MAPE(holdout, res.Mean)
	assert.LessOrEqual(t, mape, 0.15)
}

func TestLinearTrend_ExtrapolatesSlope(t *testing.T) {
	series := make([]float64, 50)
	for i := range series {
		series[i] = 1.0 + 0.01*float64(i)
	}
	res := linearTrend(series, 5)
	assert.InDelta(t, 1.0+0.01*50, res.Mean[0], 1e-6)
}

func TestAutoregressive_CapsLagAtFour(t *testing.T) {
	series := flatSeries(20, 0.9, 0)
	res := autoregressive(series, 10, 3)
	assert.Len(t, res.Mean, 3)
}
