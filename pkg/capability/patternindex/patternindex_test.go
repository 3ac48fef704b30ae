package patternindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_RejectsBelowThreshold(t *testing.T) {
	ix := New()
	_, ok := ix.Admit("identity", "trace-1", 0.90, []float64{1, 0})
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len("identity"))
}

func TestAdmit_AcceptsAtThreshold(t *testing.T) {
	ix := New()
	p, ok := ix.Admit("identity", "trace-1", 0.95, []float64{1, 0})
	require.True(t, ok)
	assert.NotEmpty(t, p.PatternID)
	assert.Equal(t, 1, ix.Len("identity"))
}

func TestQuery_ReturnsOnlyAboveSimilarityThreshold(t *testing.T) {
	ix := New()
	ix.Admit("identity", "trace-close", 0.99, []float64{1, 0})
	ix.Admit("identity", "trace-far", 0.99, []float64{0, 1})

	matches := ix.Query("identity", []float64{1, 0}, 5)
	require.Len(t, matches, 1)
	assert.Equal(t, "trace-close", matches[0].Pattern.ExemplarRef)
}

func TestQuery_OrdersBySimilarityDescending(t *testing.T) {
	ix := New()
	ix.Admit("identity", "exact", 0.99, []float64{1, 0})
	ix.Admit("identity", "near", 0.99, []float64{0.9, 0.1})

	matches := ix.Query("identity", []float64{1, 0}, 5)
	require.Len(t, matches, 2)
	assert.GreaterOrEqual(t, matches[0].Similarity, matches[1].Similarity)
}

func TestEviction_RemovesLeastApplied(t *testing.T) {
	ix := New()
	for i := 0; i < PerSpectrumCapacity; i++ {
		ix.Admit("identity", "trace", 0.99, []float64{1, 0})
	}
	require.Equal(t, PerSpectrumCapacity, ix.Len("identity"))

	// One more admission should evict exactly one (arbitrary, since all
	// have applied_count=0) and keep the bucket at capacity.
	ix.Admit("identity", "trace-new", 0.99, []float64{1, 0})
	assert.Equal(t, PerSpectrumCapacity, ix.Len("identity"))
}

func TestHashEmbedder_IsDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	a := e.Embed("hello world")
	b := e.Embed("hello world")
	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimension)
}
