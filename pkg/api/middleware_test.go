package api

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/ratelimit"
)

func TestSecurityHeaders_SetsExpectedHeaders(t *testing.T) {
	c, w := testContext(http.MethodGet, "/health", nil)
	securityHeaders()(c)

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestRateLimited_RejectsOverLimitWithRetryAfterHeader(t *testing.T) {
	s, _ := newTestServer(t)
	s.limits = ratelimit.NewRegistry(1, 1000, 1000, 1000)

	hits := 0
	handler := s.rateLimited(ratelimit.RouteChat, func(c *gin.Context) { hits++ })

	c1, w1 := testContext(http.MethodPost, "/v1/chat/completions", nil)
	handler(c1)
	require.Equal(t, 1, hits)
	assert.NotEqual(t, http.StatusTooManyRequests, w1.Code)

	c2, w2 := testContext(http.MethodPost, "/v1/chat/completions", nil)
	handler(c2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
}

func TestCallerIdentity_PrefersAuthorizationHeaderOverIP(t *testing.T) {
	c, _ := testContext(http.MethodGet, "/health", nil)
	c.Request.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "Bearer abc123", callerIdentity(c))
}
