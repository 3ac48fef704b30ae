package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoad_MissingCredentials_IsConfigurationFatal(t *testing.T) {
	clearEnv(t, "OBS_API_KEY", "OBS_ORG_ID")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigurationFatal))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OBS_API_KEY", "test-key")
	t.Setenv("OBS_ORG_ID", "test-org")
	clearEnv(t, "RATE_LIMIT_CHAT_PER_MIN", "AB_MIN_SAMPLES", "FORECAST_MIN_SAMPLES")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.RateLimitChatPerMin)
	assert.Equal(t, 30, cfg.ABMinSamples)
	assert.Equal(t, 200, cfg.ForecastMinSamples)
	assert.Equal(t, 0.90, cfg.QualityThresholdTarget)
}

func TestLoad_ProviderKeysFromEnv(t *testing.T) {
	t.Setenv("OBS_API_KEY", "test-key")
	t.Setenv("OBS_ORG_ID", "test-org")
	t.Setenv("PROVIDER_OPENAI_API_KEY", "sk-test")
	t.Setenv("PROVIDER_ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.ProviderAPIKeys["openai"])
	assert.Equal(t, "sk-ant-test", cfg.ProviderAPIKeys["anthropic"])
}
