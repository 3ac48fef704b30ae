package regression

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/capability"
)

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRun_SignalsRegressionOnSustainedDrop(t *testing.T) {
	baseline := repeat(0.92, 40)
	live := repeat(0.85, 40)
	// jitter so variance isn't exactly zero (degenerate t-test)
	baseline[0], baseline[1] = 0.90, 0.94
	live[0], live[1] = 0.83, 0.87

	result, err := Run(t.Context(), Input{LiveScores: live, BaselineScores: baseline})
	require.NoError(t, err)
	assert.True(t, result.Regression)
	assert.Greater(t, result.Magnitude, DefaultRegressionDelta)
	assert.LessOrEqual(t, result.PValue, 0.05)
}

func TestRun_NoRegressionWhenDeltaSmall(t *testing.T) {
	baseline := repeat(0.90, 40)
	live := repeat(0.895, 40)
	baseline[0] = 0.91
	live[0] = 0.885

	result, err := Run(t.Context(), Input{LiveScores: live, BaselineScores: baseline})
	require.NoError(t, err)
	assert.False(t, result.Regression)
}

func TestRun_InsufficientData(t *testing.T) {
	_, err := Run(t.Context(), Input{LiveScores: []float64{0.9}, BaselineScores: []float64{0.9, 0.91}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInsufficientData))
}
