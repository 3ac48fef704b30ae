package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/cache"
	"github.com/virtuouscycle/gateway/pkg/gateway"
	"github.com/virtuouscycle/gateway/pkg/quality"
)

func TestHealth_ReportsHealthyWhenProvidersRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	c, w := testContext(http.MethodGet, "/health", nil)

	s.health(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
}

func TestHealth_ReportsDegradedWithNoProviders(t *testing.T) {
	empty := NewServer(Deps{
		Gateway: gateway.New(gateway.Deps{
			Registry:   gateway.NewRegistry(),
			Cache:      cache.New(nil),
			Variants:   gateway.NewVariantStore(10),
			TraceQueue: quality.NewIngestQueue(10),
		}),
	})
	c, w := testContext(http.MethodGet, "/health", nil)

	empty.health(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusDegraded, resp.Status)
}

func TestHealthDetailed_IncludesProviderAndCacheChecks(t *testing.T) {
	s, _ := newTestServer(t)
	s.cache = nil // exercised separately by cache tests; nil here is valid (no L2 configured)
	c, w := testContext(http.MethodGet, "/health/detailed", nil)

	s.healthDetailed(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Checks, "providers")
	assert.Equal(t, healthStatusHealthy, resp.Checks["providers"].Status)
	assert.NotNil(t, resp.Checks["providers"].LastSuccessAt)
}
