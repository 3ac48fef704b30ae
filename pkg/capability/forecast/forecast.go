// Package forecast implements the Forecasting capability (C3): it projects
// a quality or cost baseline forward using an ensemble of simple
// time-series models, weighted by each model's held-out back-test accuracy.
package forecast

import (
	"math"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// MaxHorizonHours is the longest forecast horizon (7 days at 1-hour steps).
const MaxHorizonHours = 7 * 24

// MinBaselineSamples is the fewest hourly baseline samples required before
// forecasting is attempted; below this, Ensemble returns
// ErrInsufficientData.
const MinBaselineSamples = 200

// backtestFraction is the share of the series held out to score each
// model's accuracy before combining them.
const backtestFraction = 0.2

// z80 is the one-sided z-score for an 80% interval (used symmetrically
// here for a two-sided 80% band).
const z80 = 1.28

// Result holds one model's (or the ensemble's) point forecast and 80%
// interval, one entry per horizon step.
type Result struct {
	Mean   []float64
	Lower80 []float64
	Upper80 []float64
}

// Input is a forecast request over an hourly baseline series.
type Input struct {
	Series  []float64
	Horizon int // hours; clamped to MaxHorizonHours
}

// linearTrend fits an ordinary least-squares line to series and
// extrapolates it horizon steps forward. The interval width grows with the
// residual standard deviation of the fit.
func linearTrend(series []float64, horizon int) Result {
	n := len(series)
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	var slope, intercept float64
	if denom != 0 {
		slope = (nf*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / nf
	} else {
		intercept = statistics.Mean(series)
	}

	var residuals []float64
	for i, y := range series {
		fitted := intercept + slope*float64(i)
		residuals = append(residuals, y-fitted)
	}
	resStd := statistics.StdDev(residuals)

	res := Result{Mean: make([]float64, horizon), Lower80: make([]float64, horizon), Upper80: make([]float64, horizon)}
	for h := 0; h < horizon; h++ {
		x := float64(n + h)
		m := intercept + slope*x
		res.Mean[h] = m
		res.Lower80[h] = m - z80*resStd
		res.Upper80[h] = m + z80*resStd
	}
	return res
}

// holtWinters applies simple double-exponential smoothing (level + trend,
// no seasonal component since the baseline window is shorter than a
// typical weekly cycle) with fixed smoothing constants.
func holtWinters(series []float64, horizon int) Result {
	const alpha = 0.3 // level smoothing
	const beta = 0.1  // trend smoothing

	level := series[0]
	trend := 0.0
	if len(series) > 1 {
		trend = series[1] - series[0]
	}

	var residuals []float64
	for i := 1; i < len(series); i++ {
		forecast := level + trend
		residuals = append(residuals, series[i]-forecast)

		prevLevel := level
		level = alpha*series[i] + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}
	resStd := statistics.StdDev(residuals)

	res := Result{Mean: make([]float64, horizon), Lower80: make([]float64, horizon), Upper80: make([]float64, horizon)}
	for h := 0; h < horizon; h++ {
		m := level + trend*float64(h+1)
		res.Mean[h] = m
		// interval widens with sqrt(horizon step) to reflect compounding
		// trend uncertainty.
		width := z80 * resStd * math.Sqrt(float64(h+1))
		res.Lower80[h] = m - width
		res.Upper80[h] = m + width
	}
	return res
}

// autoregressive fits an AR(p) model (p capped at 4) via ordinary least
// squares on lagged values, then recursively forecasts horizon steps,
// feeding each prediction back in as the next lag.
func autoregressive(series []float64, p int, horizon int) Result {
	if p > 4 {
		p = 4
	}
	if p < 1 {
		p = 1
	}
	if len(series) <= p {
		p = len(series) - 1
		if p < 1 {
			p = 1
		}
	}

	coeffs, intercept, residuals := fitAR(series, p)

	history := append([]float64(nil), series...)
	resStd := statistics.StdDev(residuals)

	res := Result{Mean: make([]float64, horizon), Lower80: make([]float64, horizon), Upper80: make([]float64, horizon)}
	for h := 0; h < horizon; h++ {
		pred := intercept
		for lag := 0; lag < p; lag++ {
			pred += coeffs[lag] * history[len(history)-1-lag]
		}
		history = append(history, pred)

		width := z80 * resStd * math.Sqrt(float64(h+1))
		res.Mean[h] = pred
		res.Lower80[h] = pred - width
		res.Upper80[h] = pred + width
	}
	return res
}

// fitAR fits y_t = intercept + sum(coeffs[i]*y_{t-1-i}) via normal
// equations solved by Gauss-Jordan elimination on the (p+1)x(p+1) system.
func fitAR(series []float64, p int) (coeffs []float64, intercept float64, residuals []float64) {
	n := len(series) - p
	if n <= 0 {
		return make([]float64, p), statistics.Mean(series), nil
	}

	dim := p + 1
	// Design matrix rows: [1, y_{t-1}, y_{t-2}, ..., y_{t-p}], target y_t.
	xtx := make([][]float64, dim)
	xty := make([]float64, dim)
	for i := range xtx {
		xtx[i] = make([]float64, dim)
	}

	for t := p; t < len(series); t++ {
		row := make([]float64, dim)
		row[0] = 1
		for lag := 0; lag < p; lag++ {
			row[lag+1] = series[t-1-lag]
		}
		y := series[t]
		for i := 0; i < dim; i++ {
			xty[i] += row[i] * y
			for j := 0; j < dim; j++ {
				xtx[i][j] += row[i] * row[j]
			}
		}
	}

	beta := solveLinearSystem(xtx, xty)
	if beta == nil {
		return make([]float64, p), statistics.Mean(series), nil
	}

	intercept = beta[0]
	coeffs = beta[1:]

	for t := p; t < len(series); t++ {
		pred := intercept
		for lag := 0; lag < p; lag++ {
			pred += coeffs[lag] * series[t-1-lag]
		}
		residuals = append(residuals, series[t]-pred)
	}
	return coeffs, intercept, residuals
}

// solveLinearSystem solves a*x = b via Gauss-Jordan elimination with
// partial pivoting. Returns nil if a is singular to working precision.
func solveLinearSystem(a [][]float64, b []float64) []float64 {
	n := len(b)
	aug := make([][]float64, n)
	for i := range aug {
		aug[i] = append(append([]float64(nil), a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-9 {
			return nil
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		pivotVal := aug[col][col]
		for k := col; k <= n; k++ {
			aug[col][k] /= pivotVal
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			for k := col; k <= n; k++ {
				aug[r][k] -= factor * aug[col][k]
			}
		}
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = aug[i][n]
	}
	return x
}

// backtest scores a forecaster by training it on series[:split] and
// computing MAPE against the held-out series[split:].
func backtest(series []float64, model func(train []float64, horizon int) Result) float64 {
	split := int(float64(len(series)) * (1 - backtestFraction))
	if split < 2 || split >= len(series) {
		return math.Inf(1)
	}
	train := series[:split]
	holdout := series[split:]

	result := model(train, len(holdout))
	return statistics.MAPE(holdout, result.Mean)
}

// Ensemble produces a combined forecast by weighting linearTrend,
// holtWinters, and autoregressive(2) by the inverse of each model's
// back-tested MAPE: more accurate models dominate the blend.
func Ensemble(in Input) (Result, error) {
	if len(in.Series) < MinBaselineSamples {
		return Result{}, capability.ErrInsufficientData
	}

	horizon := in.Horizon
	if horizon <= 0 || horizon > MaxHorizonHours {
		horizon = MaxHorizonHours
	}

	type scoredModel struct {
		mape float64
		fc   Result
	}

	models := []func(train []float64, horizon int) Result{
		linearTrend,
		holtWinters,
		func(train []float64, horizon int) Result { return autoregressive(train, 2, horizon) },
	}

	scored := make([]scoredModel, 0, len(models))
	for _, m := range models {
		mape := backtest(in.Series, m)
		scored = append(scored, scoredModel{mape: mape, fc: m(in.Series, horizon)})
	}

	var totalWeight float64
	weights := make([]float64, len(scored))
	for i, s := range scored {
		w := 1.0 / (s.mape + 1e-6)
		if math.IsInf(s.mape, 1) {
			w = 0
		}
		weights[i] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		// all models degenerate; fall back to an unweighted average.
		for i := range weights {
			weights[i] = 1
			totalWeight += 1
		}
	}

	out := Result{Mean: make([]float64, horizon), Lower80: make([]float64, horizon), Upper80: make([]float64, horizon)}
	for h := 0; h < horizon; h++ {
		var mean, lower, upper float64
		for i, s := range scored {
			wn := weights[i] / totalWeight
			mean += wn * s.fc.Mean[h]
			lower += wn * s.fc.Lower80[h]
			upper += wn * s.fc.Upper80[h]
		}
		out.Mean[h] = mean
		out.Lower80[h] = lower
		out.Upper80[h] = upper
	}
	return out, nil
}
