package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEDERATE_DATABASE_URL", "postgres://localhost/federate?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 8*time.Hour, cfg.SSO.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.SSO.StateTTL)
	assert.Equal(t, "@hourly", cfg.SSO.CleanupSchedule)
	assert.Equal(t, 10000, cfg.SSO.StateStoreSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FEDERATE_DATABASE_URL", "postgres://db/federate")
	t.Setenv("FEDERATE_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("FEDERATE_BASE_URL", "https://sso.example.com")
	t.Setenv("FEDERATE_LISTEN_ADDR", ":9090")
	t.Setenv("FEDERATE_SESSION_TTL", "2h")
	t.Setenv("FEDERATE_STATE_STORE_SIZE", "2048")
	t.Setenv("FEDERATE_LOG_LEVEL", "debug")
	t.Setenv("FEDERATE_LOG_JSON", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "https://sso.example.com", cfg.Server.BaseURL)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Hour, cfg.SSO.SessionTTL)
	assert.Equal(t, 2048, cfg.SSO.StateStoreSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("FEDERATE_DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEDERATE_DATABASE_URL")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{
				ListenAddr: ":8080",
				BaseURL:    "https://sso.example.com",
			},
			DatabaseURL: "postgres://db/federate",
			SSO: SSOConfig{
				SessionTTL:        time.Hour,
				StateTTL:          time.Minute,
				HTTPClientTimeout: time.Second,
				StateStoreSize:    1024,
			},
			LogLevel: "info",
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("relative base url", func(t *testing.T) {
		cfg := base()
		cfg.Server.BaseURL = "/just/a/path"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero session ttl", func(t *testing.T) {
		cfg := base()
		cfg.SSO.SessionTTL = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero state store size", func(t *testing.T) {
		cfg := base()
		cfg.SSO.StateStoreSize = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.LogLevel = "verbose"
		assert.Error(t, cfg.Validate())
	})
}
