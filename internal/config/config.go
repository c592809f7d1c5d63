package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"` // "sqlite" or "postgres"
	DatabasePath   string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`
	DatabaseURL    string `env:"DATABASE_URL"`

	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Sync
	SyncBatchSize     int           `env:"SYNC_BATCH_SIZE" envDefault:"50"`
	SyncMaxBatches    int           `env:"SYNC_MAX_BATCHES" envDefault:"0"`
	SyncMaxDuration   time.Duration `env:"SYNC_MAX_DURATION" envDefault:"55s"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"0"`
	SyncConcurrency   int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	ProviderRateLimit float64       `env:"PROVIDER_RATE_LIMIT" envDefault:"0"` // requests per second

	// Google
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GmailPubSubTopic   string `env:"GMAIL_PUBSUB_TOPIC"` // projects/<project>/topics/<topic>

	// Microsoft
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	GraphNotificationURL  string `env:"GRAPH_NOTIFICATION_URL"`
	GraphClientState      string `env:"GRAPH_CLIENT_STATE"`

	// Events (optional)
	NATSURL string `env:"NATS_URL"`

	// Auth (optional)
	AuthServerURL string `env:"AUTH_SERVER_URL"`
	JWKSURL       string `env:"JWKS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// EventsEnabled returns true if outbox events are relayed to NATS
func (c *Config) EventsEnabled() bool {
	return c.NATSURL != ""
}

// AuthEnabled returns true if callers must present a JWT
func (c *Config) AuthEnabled() bool {
	return c.JWKSURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for sqlite"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver))
	}

	if c.SyncBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize))
	}
	if c.SyncMaxBatches < 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_BATCHES must not be negative, got %d", c.SyncMaxBatches))
	}
	if c.SyncMaxDuration < 0 || c.SyncInterval < 0 {
		errs = append(errs, errors.New("SYNC_MAX_DURATION and SYNC_INTERVAL must not be negative"))
	}
	if c.SyncConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency))
	}
	if c.ProviderRateLimit < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_RATE_LIMIT must not be negative, got %v", c.ProviderRateLimit))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
