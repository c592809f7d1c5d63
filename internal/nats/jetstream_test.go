package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfig(t *testing.T) {
	cfg := StreamConfig()

	assert.Equal(t, StreamName, cfg.Name)
	assert.Equal(t, []string{"user.*.>"}, cfg.Subjects)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)
}

func TestNewPublisher_Unreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1")
	assert.Error(t, err)
}
