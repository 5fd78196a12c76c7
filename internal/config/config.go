package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir          string `envconfig:"TARGET_DIR" required:"true"`
	WorkDir            string `envconfig:"WORK_DIR"`
	DBPath             string `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"INFO"`
	DefaultConcurrency int    `envconfig:"DEFAULT_CONCURRENCY" default:"2"`
	DiscordWebhookURL  string `envconfig:"DISCORD_WEBHOOK_URL"`

	PipedEnabled     bool     `envconfig:"PIPED_ENABLED" default:"true"`
	PipedInstances   []string `envconfig:"PIPED_INSTANCES" default:"https://pipedapi.kavin.rocks,https://pipedapi.adminforge.de,https://api.piped.yt"`
	PipedRegion      string   `envconfig:"PIPED_REGION" default:"US"`
	PipedConcurrency int      `envconfig:"PIPED_CONCURRENCY" default:"3"`
	LocalEnabled     bool     `envconfig:"LOCAL_ENABLED" default:"true"`
	LocalLibraryDir  string   `envconfig:"LOCAL_LIBRARY_DIR"`
	UnifiedEnabled   bool     `envconfig:"UNIFIED_ENABLED" default:"true"`

	FetchConnectTimeout time.Duration `envconfig:"FETCH_CONNECT_TIMEOUT" default:"10s"`
	FetchReadTimeout    time.Duration `envconfig:"FETCH_READ_TIMEOUT" default:"10s"`
	FetchWriteTimeout   time.Duration `envconfig:"FETCH_WRITE_TIMEOUT" default:"10s"`
	ResolveTimeout      time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"2m"`
	ServerCacheIdle     time.Duration `envconfig:"SERVER_CACHE_IDLE" default:"30m"`
	RateLimit           int           `envconfig:"RATE_LIMIT" default:"0"`

	MinFreeDisk            uint64        `envconfig:"MIN_FREE_DISK" default:"209715200"`
	ConstraintPollInterval time.Duration `envconfig:"CONSTRAINT_POLL_INTERVAL" default:"30s"`
	CleanupInterval        time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"musichub_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.TargetDir == "" {
		return fmt.Errorf("TARGET_DIR must not be empty")
	}

	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.TargetDir, ".work")
	}

	if c.PipedEnabled && len(c.PipedInstances) == 0 {
		return fmt.Errorf("piped is enabled but PIPED_INSTANCES is empty")
	}

	if c.DefaultConcurrency <= 0 {
		return fmt.Errorf("DEFAULT_CONCURRENCY must be positive, got %d", c.DefaultConcurrency)
	}

	for i, instance := range c.PipedInstances {
		c.PipedInstances[i] = strings.TrimRight(strings.TrimSpace(instance), "/")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
