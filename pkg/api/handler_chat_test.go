package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/cache"
	"github.com/virtuouscycle/gateway/pkg/gateway"
	"github.com/virtuouscycle/gateway/pkg/quality"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *gateway.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := gateway.NewRegistry()
	reg.Register("gpt-4o-mini", gateway.NewMockProvider("primary"))

	gw := gateway.New(gateway.Deps{
		Registry:   reg,
		Cache:      cache.New(nil),
		Variants:   gateway.NewVariantStore(100),
		TraceQueue: quality.NewIngestQueue(100),
	})

	s := NewServer(Deps{
		Gateway: gw,
		Limits:  ratelimit.NewRegistry(1000, 1000, 1000, 1000),
	})
	return s, reg
}

func testContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestChatCompletions_NonStreamingReturnsWellFormedResponse(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	})
	c, w := testContext(http.MethodPost, "/v1/chat/completions", body)

	s.chatCompletions(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.NotEmpty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestChatCompletions_InvalidBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	c, w := testContext(http.MethodPost, "/v1/chat/completions", []byte(`{"messages":[]}`))

	s.chatCompletions(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletions_UnknownModelMapsToServiceUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "does-not-exist",
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	})
	c, w := testContext(http.MethodPost, "/v1/chat/completions", body)

	s.chatCompletions(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "provider_unavailable", env.Error.Kind)
}

func TestChatCompletions_StreamingEndsWithDoneSentinel(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
		Stream:   true,
	})
	c, w := testContext(http.MethodPost, "/v1/chat/completions", body)

	s.chatCompletions(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	out := w.Body.String()
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.Contains(t, out, `"object":"chat.completion.chunk"`)
}

func TestListModels_ReturnsRegisteredModels(t *testing.T) {
	s, _ := newTestServer(t)
	c, w := testContext(http.MethodGet, "/v1/models", nil)

	s.listModels(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4o-mini", resp.Data[0].ID)
}
