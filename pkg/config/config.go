// Package config loads the gateway's environment-driven configuration.
//
// Unlike the teacher's YAML-file configuration, every knob here is sourced
// from the process environment (optionally pre-loaded from a .env file),
// matching the deployment model of an API gateway rather than a file-backed
// agent registry. The umbrella Config struct and its Stats() helper follow
// the teacher's pkg/config/config.go shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
)

// Config is the umbrella configuration object threaded through every
// component's constructor. It is a plain constructed value — there is no
// package-level singleton.
type Config struct {
	// Observability backend (C1)
	ObsAPIKey  string `validate:"required"`
	ObsOrgID   string `validate:"required"`
	ObsBaseURL string `validate:"required,url"`

	// Chat providers (C5): provider name -> API key, populated from any
	// PROVIDER_{NAME}_API_KEY environment variable found at boot.
	ProviderAPIKeys map[string]string

	// Cache (C6)
	RedisURL string

	// Rate limits (C7)
	RateLimitChatPerMin   int `validate:"gt=0"`
	RateLimitModelsPerMin int `validate:"gt=0"`
	RateLimitHealthPerMin int `validate:"gt=0"`
	RateLimitMetricsPerMin int `validate:"gt=0"`

	// Quality thresholds (C2, C4)
	QualityThresholdTarget float64 `validate:"gte=0,lte=1"`
	RegressionDelta        float64 `validate:"gte=0,lte=1"`

	// A/B testing (C3)
	ABMinSamples      int     `validate:"gt=0"`
	ABMaxDurationDays int     `validate:"gt=0"`
	ABAlpha           float64 `validate:"gt=0,lt=1"`

	// Optimization cycles (C4)
	OptimizationMaxConcurrent int           `validate:"gt=0"`
	OptimizationCooldown      time.Duration `validate:"gt=0"`

	// Forecasting (C3)
	ForecastHorizonHours int `validate:"gt=0"`
	ForecastMinSamples   int `validate:"gt=0"`

	configDir string
}

// Stats summarizes configuration for startup logging, mirroring the
// teacher's ConfigStats/Stats() pair.
type Stats struct {
	Providers      int
	RedisEnabled   bool
	RateLimitChat  int
	Optimizations  int
	ForecastHours  int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:     len(c.ProviderAPIKeys),
		RedisEnabled:  c.RedisURL != "",
		RateLimitChat: c.RateLimitChatPerMin,
		Optimizations: c.OptimizationMaxConcurrent,
		ForecastHours: c.ForecastHorizonHours,
	}
}

// Load reads the environment (optionally seeded from a .env file at
// envPath) into a Config, applies defaults, and validates it. A missing
// OBS_API_KEY or OBS_ORG_ID returns apperrors.ErrConfigurationFatal —
// callers must halt boot before binding any port (spec scenario: auth
// failure at boot).
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("no .env file loaded, continuing with process environment", "path", envPath, "error", err)
		}
	}

	cfg := &Config{
		ObsAPIKey:  os.Getenv("OBS_API_KEY"),
		ObsOrgID:   os.Getenv("OBS_ORG_ID"),
		ObsBaseURL: envOr("OBS_BASE_URL", "https://api.observability.internal"),

		ProviderAPIKeys: providerKeysFromEnv(),

		RedisURL: os.Getenv("REDIS_URL"),

		RateLimitChatPerMin:    envInt("RATE_LIMIT_CHAT_PER_MIN", 100),
		RateLimitModelsPerMin:  envInt("RATE_LIMIT_MODELS_PER_MIN", 500),
		RateLimitHealthPerMin:  envInt("RATE_LIMIT_HEALTH_PER_MIN", 1000),
		RateLimitMetricsPerMin: envInt("RATE_LIMIT_METRICS_PER_MIN", 100),

		QualityThresholdTarget: envFloat("QUALITY_THRESHOLD_TARGET", 0.90),
		RegressionDelta:        envFloat("REGRESSION_DELTA", 0.05),

		ABMinSamples:      envInt("AB_MIN_SAMPLES", 30),
		ABMaxDurationDays: envInt("AB_MAX_DURATION_DAYS", 7),
		ABAlpha:           envFloat("AB_ALPHA", 0.05),

		OptimizationMaxConcurrent: envInt("OPTIMIZATION_MAX_CONCURRENT", 3),
		OptimizationCooldown:      time.Duration(envInt("OPTIMIZATION_COOLDOWN_MIN", 60)) * time.Minute,

		ForecastHorizonHours: envInt("FORECAST_HORIZON_HOURS", 168),
		ForecastMinSamples:   envInt("FORECAST_MIN_SAMPLES", 200),
	}

	if cfg.ObsAPIKey == "" || cfg.ObsOrgID == "" {
		return nil, fmt.Errorf("%w: OBS_API_KEY and OBS_ORG_ID are required", apperrors.ErrConfigurationFatal)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigurationFatal, err)
	}

	return cfg, nil
}

func providerKeysFromEnv() map[string]string {
	keys := make(map[string]string)
	const prefix, suffix = "PROVIDER_", "_API_KEY"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		provider := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if provider != "" && value != "" {
			keys[provider] = value
		}
	}
	return keys
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}
