// Package statistics collects the numeric primitives shared by the
// quality collector (C2) and the capability engine (C3): streaming mean and
// variance, Welch's two-sample t-test for regression and A/B detection, and
// mean absolute percentage error for forecast back-testing.
package statistics

import "math"

// Welford accumulates mean and variance over a stream of observations
// using Welford's online algorithm, so neither the full sample nor a
// second pass over it is required.
type Welford struct {
	count int64
	mean  float64
	m2    float64
}

// Add folds one observation into the running aggregate.
func (w *Welford) Add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// Count returns the number of observations folded in so far.
func (w *Welford) Count() int64 { return w.count }

// Mean returns the running mean, or 0 if no observations have been added.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the sample variance (Bessel-corrected), or 0 when
// fewer than two observations have been added.
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

// StdDev returns the sample standard deviation.
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the sample variance of values (Bessel-corrected).
func Variance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return sumSq / float64(n-1)
}

// StdDev returns the sample standard deviation of values.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// TTestResult is the outcome of a Welch's two-sample t-test.
type TTestResult struct {
	TStatistic float64
	DegreesOfFreedom float64
	PValue     float64
}

// WelchTTest runs Welch's two-sided two-sample t-test, which does not
// assume the two samples share a variance — appropriate here since
// treatment and control populations are never assumed homoscedastic.
// Returns ok=false when either sample has fewer than 2 observations.
func WelchTTest(a, b []float64) (result TTestResult, ok bool) {
	na, nb := len(a), len(b)
	if na < 2 || nb < 2 {
		return TTestResult{}, false
	}
	meanA, meanB := Mean(a), Mean(b)
	varA, varB := Variance(a), Variance(b)

	seA := varA / float64(na)
	seB := varB / float64(nb)
	se := math.Sqrt(seA + seB)
	if se == 0 {
		return TTestResult{}, false
	}

	t := (meanA - meanB) / se

	// Welch-Satterthwaite degrees of freedom.
	numerator := (seA + seB) * (seA + seB)
	denominator := (seA*seA)/float64(na-1) + (seB*seB)/float64(nb-1)
	df := numerator / denominator

	p := twoSidedPValue(t, df)

	return TTestResult{TStatistic: t, DegreesOfFreedom: df, PValue: p}, true
}

// twoSidedPValue approximates the two-sided p-value for the Student's t
// distribution with df degrees of freedom via the regularized incomplete
// beta function, which is the standard closed form for the t CDF.
func twoSidedPValue(t, df float64) float64 {
	x := df / (df + t*t)
	ib := incompleteBeta(x, df/2, 0.5)
	return ib
}

// incompleteBeta evaluates the regularized incomplete beta function I_x(a,b)
// via the continued-fraction expansion from Numerical Recipes (betacf),
// the standard closed-form approach when no statistics library is
// available.
func incompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	bt := math.Exp(lgamma(a+b) - lgamma(a) - lgamma(b) + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return bt * betacf(a, b, x) / a
	}
	return 1 - bt*betacf(b, a, 1-x)/b
}

// betacf is Lentz's continued-fraction algorithm for the incomplete beta
// function, as given in Numerical Recipes §6.4.
func betacf(a, b, x float64) float64 {
	const maxIterations = 200
	const epsilon = 3e-12
	const tiny = 1e-300

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		m2 := float64(2 * m)
		fm := float64(m)

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// MAPE computes the mean absolute percentage error between observed and
// predicted series of equal length, skipping points where observed is
// zero (undefined percentage error). Returns 0 for empty or all-zero
// input.
func MAPE(observed, predicted []float64) float64 {
	n := len(observed)
	if n == 0 || n != len(predicted) {
		return 0
	}
	var sum float64
	var counted int
	for i := 0; i < n; i++ {
		if observed[i] == 0 {
			continue
		}
		sum += math.Abs((observed[i] - predicted[i]) / observed[i])
		counted++
	}
	if counted == 0 {
		return 0
	}
	return (sum / float64(counted)) * 100
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the vectors differ in length or either is the zero vector.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
