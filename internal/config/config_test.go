package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "./data/mailsync.db", cfg.DatabasePath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.SyncBatchSize)
	assert.Equal(t, 0, cfg.SyncMaxBatches)
	assert.Equal(t, 55*time.Second, cfg.SyncMaxDuration)
	assert.Equal(t, time.Duration(0), cfg.SyncInterval)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.EventsEnabled())
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/mailsync")
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("SYNC_MAX_DURATION", "2m")
	t.Setenv("SYNC_INTERVAL", "5m")
	t.Setenv("PROVIDER_RATE_LIMIT", "2.5")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("JWKS_URL", "http://auth/jwks")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 25, cfg.SyncBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.SyncMaxDuration)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.InDelta(t, 2.5, cfg.ProviderRateLimit, 0.0001)
	assert.True(t, cfg.EventsEnabled())
	assert.True(t, cfg.AuthEnabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"postgres without url", map[string]string{"DATABASE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"zero batch size", map[string]string{"SYNC_BATCH_SIZE": "0"}, "SYNC_BATCH_SIZE"},
		{"zero concurrency", map[string]string{"SYNC_CONCURRENCY": "0"}, "SYNC_CONCURRENCY"},
		{"negative rate", map[string]string{"PROVIDER_RATE_LIMIT": "-1"}, "PROVIDER_RATE_LIMIT"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"unparsable duration", map[string]string{"SYNC_MAX_DURATION": "soon"}, "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
