package metalearn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/capability"
)

func TestSelect_InsufficientDataWhenNoObservations(t *testing.T) {
	e := New()
	e.Register("prompt-rewrite", "rewrites system prompt")
	_, err := e.Select()
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInsufficientData))
}

func TestSelect_PrefersHigherLowerBound(t *testing.T) {
	e := New()
	e.Register("strong", "consistently positive")
	e.Register("weak", "noisy, sometimes negative")

	for i := 0; i < 10; i++ {
		require.NoError(t, e.RecordDelta("strong", 0.05))
	}
	for i := 0; i < 10; i++ {
		delta := 0.05
		if i%2 == 0 {
			delta = -0.04
		}
		require.NoError(t, e.RecordDelta("weak", delta))
	}

	best, err := e.Select()
	require.NoError(t, err)
	assert.Equal(t, "strong", best.StrategyID)
}

func TestRecordDelta_CapsHistoryAtWindow(t *testing.T) {
	e := New()
	e.Register("s", "")
	for i := 0; i < HistoryWindow+10; i++ {
		require.NoError(t, e.RecordDelta("s", 0.01))
	}
	s, ok := e.Get("s")
	require.True(t, ok)
	assert.Len(t, s.HistoricalDeltas, HistoryWindow)
}

func TestRecordDelta_UnknownStrategyIsInvariantViolation(t *testing.T) {
	e := New()
	err := e.RecordDelta("ghost", 0.1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, capability.ErrInvariant))
}

func TestConfidence_IsFractionOfPositiveDeltas(t *testing.T) {
	e := New()
	e.Register("s", "")
	require.NoError(t, e.RecordDelta("s", 0.1))
	require.NoError(t, e.RecordDelta("s", -0.1))
	require.NoError(t, e.RecordDelta("s", 0.1))
	require.NoError(t, e.RecordDelta("s", -0.1))

	s, _ := e.Get("s")
	assert.Equal(t, 0.5, s.Confidence)
}
