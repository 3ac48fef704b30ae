package quality

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTrace(id string, latencyMS int64) TraceRecord {
	return TraceRecord{
		TraceID:           id,
		Session:           "s1",
		Model:             "gpt-4o-mini",
		Spectrum:          SpectrumIdentity,
		LatencyMS:         latencyMS,
		TotalTokens:       30,
		InputTokens:       10,
		OutputTokens:      20,
		StructurallyValid: true,
		CreatedAt:         time.Now(),
	}
}

func TestIngest_RejectsMalformedTokenInvariant(t *testing.T) {
	c := New(DefaultScoringWeights)
	trace := validTrace("t1", 100)
	trace.TotalTokens = 999 // violates total = input + output

	ok, reason := c.Ingest(trace)
	assert.False(t, ok)
	assert.Equal(t, RejectMalformed, reason)
}

func TestIngest_RejectsDuplicateTraceID(t *testing.T) {
	c := New(DefaultScoringWeights)
	trace := validTrace("dup-1", 100)

	ok, _ := c.Ingest(trace)
	require.True(t, ok)

	ok, reason := c.Ingest(trace)
	assert.False(t, ok)
	assert.Equal(t, RejectDuplicate, reason)
	assert.Equal(t, 1, c.Len(), "duplicate must not have side effects")
}

func TestIngest_UsesFeedbackScoreWhenPresent(t *testing.T) {
	c := New(DefaultScoringWeights)
	trace := validTrace("t2", 100)
	score := 0.42
	trace.FeedbackScore = &score

	_, _ = c.Ingest(trace)

	w := c.Snapshot(time.Hour, "", "")
	assert.InDelta(t, 0.42, w.Mean, 1e-9)
}

func TestIngest_FallsBackToStructuralScore(t *testing.T) {
	c := New(DefaultScoringWeights)
	trace := validTrace("t3", 0) // zero latency -> latency component = 1

	_, _ = c.Ingest(trace)

	w := c.Snapshot(time.Hour, "", "")
	// success=1, latency=1, structure=1 -> 0.5*1 + 0.2*1 + 0.3*1 = 1.0
	assert.InDelta(t, 1.0, w.Mean, 1e-9)
}

func TestSnapshot_FiltersByModelAndSpectrum(t *testing.T) {
	c := New(DefaultScoringWeights)
	a := validTrace("a", 100)
	a.Model = "model-a"
	b := validTrace("b", 100)
	b.Model = "model-b"

	_, _ = c.Ingest(a)
	_, _ = c.Ingest(b)

	w := c.Snapshot(time.Hour, "model-a", "")
	assert.Equal(t, int64(1), w.Count)
}

func TestScores_ReturnsRawFilteredSamples(t *testing.T) {
	c := New(DefaultScoringWeights)
	score := 0.7
	a := validTrace("a", 100)
	a.FeedbackScore = &score
	b := validTrace("b", 100)
	b.Model = "model-b"

	_, _ = c.Ingest(a)
	_, _ = c.Ingest(b)

	scores := c.Scores(time.Hour, "gpt-4o-mini", "")
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.7, scores[0], 1e-9)
}

func TestBufferOverflow_DropsOldest(t *testing.T) {
	c := New(DefaultScoringWeights)
	for i := 0; i < bufferCapacity+5; i++ {
		trace := validTrace("trace-"+strconv.Itoa(i), 100)
		ok, _ := c.Ingest(trace)
		require.True(t, ok)
	}
	assert.Equal(t, bufferCapacity, c.Len())
}

func TestSubscribe_ReceivesIngestedRecords(t *testing.T) {
	c := New(DefaultScoringWeights)
	ch := c.Subscribe()

	trace := validTrace("sub-1", 100)
	_, _ = c.Ingest(trace)

	select {
	case rec := <-ch:
		assert.Equal(t, "sub-1", rec.TraceID)
	case <-time.After(time.Second):
		t.Fatal("expected a record on the subscriber channel")
	}
}

func TestClose_ClosesSubscriberChannels(t *testing.T) {
	c := New(DefaultScoringWeights)
	ch := c.Subscribe()
	c.Close()

	_, open := <-ch
	assert.False(t, open)
}
