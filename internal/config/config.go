package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultShomBaseURL = "https://services.data.shom.fr/b2q8lrcdl4s04cbabsj4nhcb/hdm/spm"
	defaultHarborsURL  = "https://services.data.shom.fr/x13f1b4faeszdyinv9zqxmx1/wfs" +
		"?service=WFS&version=1.0.0&srsName=EPSG:4326&request=GetFeature" +
		"&typeName=SPM_PORTS_WFS:liste_ports_spm_h2m&outputFormat=application/json"

	defaultSpringTideThreshold = 100
	defaultNeapTideThreshold   = 40
	defaultRefreshInterval     = 5 * time.Minute

	// Daily prefetch jobs run at a random time inside this window to spread
	// load on the public SHOM API across installations.
	defaultPrefetchWindowStartHour = 1
	defaultPrefetchWindowEndHour   = 5
)

type Config struct {
	Environment string
	LogLevel    zerolog.Level

	HarborID   string
	ListenAddr string

	ShomBaseURL       string
	HarborsURL        string
	HarborCacheBucket string

	SpringTideThreshold int
	NeapTideThreshold   int
	RefreshInterval     time.Duration

	PrefetchWindowStartHour int
	PrefetchWindowEndHour   int
}

type Option func(*Config)

// WithEnvironment allows setting the environment
func WithEnvironment(env string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithLogLevel allows setting the log level
func WithLogLevel(level string) Option {
	return func(c *Config) {
		parsedLevel, err := zerolog.ParseLevel(level)
		if err != nil {
			parsedLevel = zerolog.InfoLevel
		}
		c.LogLevel = parsedLevel
	}
}

// WithHarbor allows setting the harbor id
func WithHarbor(harborID string) Option {
	return func(c *Config) {
		c.HarborID = harborID
	}
}

// WithRefreshInterval allows setting the coordinator refresh interval
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RefreshInterval = interval
	}
}

// New creates a new configuration with default values
func New(opts ...Option) *Config {
	cfg := &Config{
		Environment:             "production",
		LogLevel:                zerolog.InfoLevel,
		HarborID:                "PORNICHET",
		ListenAddr:              ":8080",
		ShomBaseURL:             defaultShomBaseURL,
		HarborsURL:              defaultHarborsURL,
		SpringTideThreshold:     defaultSpringTideThreshold,
		NeapTideThreshold:       defaultNeapTideThreshold,
		RefreshInterval:         defaultRefreshInterval,
		PrefetchWindowStartHour: defaultPrefetchWindowStartHour,
		PrefetchWindowEndHour:   defaultPrefetchWindowEndHour,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// InitializeLogging sets up logging based on the configuration
func (c *Config) InitializeLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(c.LogLevel)

	// Setup console logger for development environments
	if c.Environment == "local" || c.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := New(
		WithEnvironment(getEnvOrDefault("ENV", "production")),
		WithLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
		WithHarbor(getEnvOrDefault("HARBOR_ID", "PORNICHET")),
		WithRefreshInterval(getDurationEnvOrDefault("REFRESH_INTERVAL", defaultRefreshInterval)),
	)
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", cfg.ListenAddr)
	cfg.ShomBaseURL = getEnvOrDefault("SHOM_BASE_URL", cfg.ShomBaseURL)
	cfg.HarborsURL = getEnvOrDefault("HARBORS_URL", cfg.HarborsURL)
	cfg.HarborCacheBucket = getEnvOrDefault("HARBOR_CACHE_BUCKET", "")
	cfg.SpringTideThreshold = getEnvInt("SPRING_TIDE_THRESHOLD", cfg.SpringTideThreshold)
	cfg.NeapTideThreshold = getEnvInt("NEAP_TIDE_THRESHOLD", cfg.NeapTideThreshold)
	cfg.PrefetchWindowStartHour = getEnvInt("PREFETCH_WINDOW_START_HOUR", cfg.PrefetchWindowStartHour)
	cfg.PrefetchWindowEndHour = getEnvInt("PREFETCH_WINDOW_END_HOUR", cfg.PrefetchWindowEndHour)

	log.Debug().
		Str("harbor_id", cfg.HarborID).
		Str("shom_base_url", cfg.ShomBaseURL).
		Int("spring_tide_threshold", cfg.SpringTideThreshold).
		Int("neap_tide_threshold", cfg.NeapTideThreshold).
		Dur("refresh_interval", cfg.RefreshInterval).
		Int("prefetch_window_start_hour", cfg.PrefetchWindowStartHour).
		Int("prefetch_window_end_hour", cfg.PrefetchWindowEndHour).
		Msg("Configuration loaded")

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultVal int) int {
	if val, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		log.Warn().Str("key", key).Msg("Invalid integer value in environment variable, using default")
	}
	return defaultVal
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
