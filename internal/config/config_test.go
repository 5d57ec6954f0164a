package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/chatwire")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("WA_AUTH_ENC_KEY_B64", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3030, cfg.HealthPort)
	assert.Equal(t, 5*time.Second, cfg.ReconnectAllDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectStagger)
	assert.Equal(t, 1500*time.Millisecond, cfg.ComposingBeforeSend)
	assert.Empty(t, cfg.InboundAckMessage)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_HEALTH_PORT", "9090")
	t.Setenv("WORKER_RECONNECT_STAGGER_MS", "100")
	t.Setenv("WORKER_INBOUND_ACK_MESSAGE", "recibido")
	t.Setenv("WORKER_COMPOSING_BEFORE_SEND_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HealthPort)
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectStagger)
	assert.Equal(t, "recibido", cfg.InboundAckMessage)
	assert.Equal(t, 250*time.Millisecond, cfg.ComposingBeforeSend)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("WA_AUTH_ENC_KEY_B64", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "WA_AUTH_ENC_KEY_B64")
}

func TestInvalidIntFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_HEALTH_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3030, cfg.HealthPort)
}
