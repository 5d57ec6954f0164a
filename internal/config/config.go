package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config carries everything the worker process needs. All values come from the
// environment; an optional .env file is loaded first for local development.
type Config struct {
	DatabaseURL   string
	RedisURL      string
	AuthEncKeyB64 string

	HealthPort int

	ReconnectAllDelay time.Duration
	ReconnectStagger  time.Duration

	InboundAckMessage   string
	ComposingBeforeSend time.Duration

	TransportBridgeURL string

	LogLevel  string
	LogFormat string

	AlertWebhookURL string
}

// Load reads configuration from the environment. Only the three connection
// secrets are hard requirements; everything else has a default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		AuthEncKeyB64:       strings.TrimSpace(os.Getenv("WA_AUTH_ENC_KEY_B64")),
		HealthPort:          envInt("WORKER_HEALTH_PORT", 3030),
		ReconnectAllDelay:   envDurationMS("WORKER_RECONNECT_ALL_DELAY_MS", 5000),
		ReconnectStagger:    envDurationMS("WORKER_RECONNECT_STAGGER_MS", 5000),
		InboundAckMessage:   os.Getenv("WORKER_INBOUND_ACK_MESSAGE"),
		ComposingBeforeSend: envDurationMS("WORKER_COMPOSING_BEFORE_SEND_MS", 1500),
		TransportBridgeURL:  envString("WORKER_TRANSPORT_BRIDGE_URL", "ws://127.0.0.1:8765"),
		LogLevel:            envString("LOG_LEVEL", "info"),
		LogFormat:           envString("LOG_FORMAT", "auto"),
		AlertWebhookURL:     strings.TrimSpace(os.Getenv("ALERT_EMAIL_WEBHOOK_URL")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the hard requirements. A missing encryption key is a startup
// fatal; the key bytes themselves are verified by the vault.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.AuthEncKeyB64 == "" {
		missing = append(missing, "WA_AUTH_ENC_KEY_B64")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment: %s", strings.Join(missing, ", "))
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("config: invalid WORKER_HEALTH_PORT %d", c.HealthPort)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return v
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}
