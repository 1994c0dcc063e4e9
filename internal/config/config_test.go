package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "REDIS_URL", "REDIS_ADDR", "REDIS_PASSWORD", "BUS_DRIVER", "NATS_URL",
		"CORS_ORIGIN", "INSTANCE_ID", "LOG_LEVEL", "LOG_FORMAT", "JOIN_RATE_LIMIT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
	assert.Equal(t, BusRedis, cfg.BusDriver)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30, cfg.JoinRateLimit)
	assert.NotEmpty(t, cfg.InstanceID, "instance id should be generated")
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://cache:6380")
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("CORS_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("INSTANCE_ID", "node-a")
	t.Setenv("JOIN_RATE_LIMIT", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis://cache:6380", cfg.RedisURL)
	assert.Equal(t, BusNATS, cfg.BusDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 5, cfg.JoinRateLimit)
}

func TestLoadRejectsUnknownBus(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUS_DRIVER", "kafka")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestAllowsOrigin(t *testing.T) {
	cfg := &Config{CORSOrigins: []string{"https://a.example"}}

	assert.True(t, cfg.AllowsOrigin(""))
	assert.True(t, cfg.AllowsOrigin("https://A.example"))
	assert.False(t, cfg.AllowsOrigin("https://evil.example"))

	open := &Config{CORSOrigins: []string{"*"}}
	assert.True(t, open.AllowsOrigin("https://anything.example"))
}
