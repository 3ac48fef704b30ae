package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
)

func TestNew_MissingCredentialsIsConfigurationFatal(t *testing.T) {
	_, err := New("https://example.com", "", "org")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigurationFatal))

	_, err = New("https://example.com", "key", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigurationFatal))
}

func TestClient_ListRuns_SendsCredentialHeaders(t *testing.T) {
	var gotKey, gotOrg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotOrg = r.Header.Get("X-Org-Id")
		json.NewEncoder(w).Encode(map[string]any{
			"runs":        []Run{{TraceID: "t1", Model: "gpt-4o-mini"}},
			"next_cursor": "abc",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "test-key", "test-org")
	require.NoError(t, err)

	runs, cursor, err := c.ListRuns(t.Context(), "", nil, nil, "", 10, "")
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "test-org", gotOrg)
	assert.Equal(t, "abc", cursor)
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].TraceID)
}

func TestClient_SubmitFeedback_RejectsOutOfRangeScore(t *testing.T) {
	c, err := New("https://example.com", "key", "org")
	require.NoError(t, err)

	err = c.SubmitFeedback(t.Context(), "run-1", 1.5, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUserError))
}

func TestClient_AuthErrorIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "bad-key", "org")
	require.NoError(t, err)

	_, _, err = c.ListRuns(t.Context(), "", nil, nil, "", 10, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuth))
	assert.Equal(t, 1, calls, "auth errors must not be retried")
}

func TestClient_TransientErrorIsRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"runs": []Run{}, "next_cursor": ""})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key", "org")
	require.NoError(t, err)

	_, _, err = c.ListRuns(t.Context(), "", nil, nil, "", 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
