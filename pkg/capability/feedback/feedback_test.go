package feedback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/observability"
)

func exemplar(traceID string, embedding []float64) Exemplar {
	return Exemplar{TraceID: traceID, Model: "gpt-4", Spectrum: "identity", Input: "in", Output: "out", Score: 0.97, Embedding: embedding}
}

func TestSubmit_RejectsDuplicateByCosineSimilarity(t *testing.T) {
	b := NewBatcher(nil, "dataset-1")
	require.True(t, b.Submit(exemplar("t1", []float64{1, 0})))
	assert.False(t, b.Submit(exemplar("t2", []float64{0.999, 0.001})))
	assert.Equal(t, 1, b.Pending())
}

func TestSubmit_AcceptsDissimilarExemplars(t *testing.T) {
	b := NewBatcher(nil, "dataset-1")
	require.True(t, b.Submit(exemplar("t1", []float64{1, 0})))
	require.True(t, b.Submit(exemplar("t2", []float64{0, 1})))
	assert.Equal(t, 2, b.Pending())
}

func TestFlush_CommitsPendingAndClearsBatch(t *testing.T) {
	var addedExamples int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Examples []map[string]any `json:"examples"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		addedExamples = len(body.Examples)
		json.NewEncoder(w).Encode(map[string]any{"added_count": addedExamples})
	}))
	defer srv.Close()

	client, err := observability.New(srv.URL, "key", "org")
	require.NoError(t, err)

	b := NewBatcher(client, "dataset-1")
	b.Submit(exemplar("t1", []float64{1, 0}))
	b.Submit(exemplar("t2", []float64{0, 1}))

	err = b.Flush(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, addedExamples)
	assert.Equal(t, 0, b.Pending())

	// A near-duplicate of an already-committed exemplar is now rejected.
	assert.False(t, b.Submit(exemplar("t3", []float64{0.999, 0.001})))
}

func TestFlush_NoopWhenNothingPending(t *testing.T) {
	b := NewBatcher(nil, "dataset-1")
	require.NoError(t, b.Flush(t.Context()))
}

func TestFlush_RestoresBatchOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := observability.New(srv.URL, "key", "org")
	require.NoError(t, err)

	b := NewBatcher(client, "dataset-1")
	b.Submit(exemplar("t1", []float64{1, 0}))

	err = b.Flush(t.Context())
	require.Error(t, err)
	assert.Equal(t, 1, b.Pending(), "failed flush must restore the batch for a later retry")
}
