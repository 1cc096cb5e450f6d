package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "PORNICHET", cfg.HarborID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.SpringTideThreshold)
	assert.Equal(t, 40, cfg.NeapTideThreshold)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 1, cfg.PrefetchWindowStartHour)
	assert.Equal(t, 5, cfg.PrefetchWindowEndHour)
	assert.NotEmpty(t, cfg.ShomBaseURL)
	assert.NotEmpty(t, cfg.HarborsURL)
}

func TestOptions(t *testing.T) {
	cfg := New(
		WithEnvironment("local"),
		WithLogLevel("debug"),
		WithHarbor("BREST"),
		WithRefreshInterval(time.Minute),
	)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "BREST", cfg.HarborID)
	assert.Equal(t, time.Minute, cfg.RefreshInterval)
}

func TestWithLogLevel_InvalidFallsBackToInfo(t *testing.T) {
	cfg := New(WithLogLevel("chatty"))
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HARBOR_ID", "SAINT-MALO")
	t.Setenv("REFRESH_INTERVAL", "90s")
	t.Setenv("SPRING_TIDE_THRESHOLD", "95")
	t.Setenv("NEAP_TIDE_THRESHOLD", "not-a-number")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("PREFETCH_WINDOW_END_HOUR", "6")

	cfg := LoadFromEnv()

	assert.Equal(t, "SAINT-MALO", cfg.HarborID)
	assert.Equal(t, 90*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 95, cfg.SpringTideThreshold)
	// Invalid integer falls back to the default.
	assert.Equal(t, 40, cfg.NeapTideThreshold)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 6, cfg.PrefetchWindowEndHour)
}
