package bulkanalytics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/observability"
)

func newTestServer(t *testing.T, ndjson string) (*httptest.Server, *int) {
	var exportCalls int
	var url string
	mux := http.NewServeMux()
	mux.HandleFunc("/exports", func(w http.ResponseWriter, r *http.Request) {
		exportCalls++
		json.NewEncoder(w).Encode(map[string]any{"export_id": "exp-1"})
	})
	mux.HandleFunc("/exports/exp-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": "ready", "url": url})
	})
	mux.HandleFunc("/rows.ndjson", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjson)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	url = srv.URL + "/rows.ndjson"
	return srv, &exportCalls
}

func TestComputeRollups_AggregatesByModelAndSpectrum(t *testing.T) {
	ndjson := `{"model":"gpt-4","spectrum":"identity","feedback_score":0.9,"cost_estimate":0.01}
{"model":"gpt-4","spectrum":"identity","feedback_score":0.8,"cost_estimate":0.01,"error":"timeout"}
{"model":"gpt-4","spectrum":"financial","feedback_score":0.95,"cost_estimate":0.02}
`
	srv, _ := newTestServer(t, ndjson)

	client, err := observability.New(srv.URL, "key", "org")
	require.NoError(t, err)

	e := New(client)
	rollups, err := e.ComputeRollups(t.Context(), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rollups, 2)

	var identity, financial *Rollup
	for i := range rollups {
		switch rollups[i].Spectrum {
		case "identity":
			identity = &rollups[i]
		case "financial":
			financial = &rollups[i]
		}
	}
	require.NotNil(t, identity)
	require.NotNil(t, financial)
	assert.Equal(t, 2, identity.Count)
	assert.InDelta(t, 0.5, identity.ErrorRate, 1e-9)
	assert.Equal(t, 1, financial.Count)
}

func TestComputeRollups_IsIdempotentForCompletedDay(t *testing.T) {
	ndjson := `{"model":"gpt-4","spectrum":"identity","feedback_score":0.9,"cost_estimate":0.01}
`
	mux := http.NewServeMux()
	var exportCalls int
	var url string
	mux.HandleFunc("/exports", func(w http.ResponseWriter, r *http.Request) {
		exportCalls++
		json.NewEncoder(w).Encode(map[string]any{"export_id": "exp-1"})
	})
	mux.HandleFunc("/exports/exp-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": "ready", "url": url})
	})
	mux.HandleFunc("/rows.ndjson", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjson)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	url = srv.URL + "/rows.ndjson"

	client, err := observability.New(srv.URL, "key", "org")
	require.NoError(t, err)

	e := New(client)
	day := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	first, err := e.ComputeRollups(t.Context(), day)
	require.NoError(t, err)
	second, err := e.ComputeRollups(t.Context(), day)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, exportCalls, "a completed day must not trigger a second export")
}

func TestPercentile_SingleElement(t *testing.T) {
	assert.Equal(t, 5.0, percentile([]float64{5}, 0.95))
}

func TestPercentile_Empty(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.95))
}
