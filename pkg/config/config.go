package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	DatabaseURL string

	// Redis configuration; empty means the in-memory state store is used
	RedisURL string

	// SSO configuration
	SSO SSOConfig

	// Log level (debug, info, warn, error)
	LogLevel string

	// LogJSON selects JSON log output; text output when false
	LogJSON bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	ListenAddr      string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SSOConfig holds protocol-level SSO settings
type SSOConfig struct {
	SessionTTL        time.Duration
	StateTTL          time.Duration
	HTTPClientTimeout time.Duration
	SessionRetention  time.Duration
	CleanupSchedule   string

	// StateStoreSize caps the in-memory state store; unused when redis
	// is configured
	StateStoreSize int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("FEDERATE_LISTEN_ADDR", ":8080"),
			BaseURL:         getEnv("FEDERATE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("FEDERATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FEDERATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FEDERATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FEDERATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		DatabaseURL: getEnv("FEDERATE_DATABASE_URL", ""),
		RedisURL:    getEnv("FEDERATE_REDIS_URL", ""),
		SSO: SSOConfig{
			SessionTTL:        getEnvDuration("FEDERATE_SESSION_TTL", 8*time.Hour),
			StateTTL:          getEnvDuration("FEDERATE_STATE_TTL", 10*time.Minute),
			HTTPClientTimeout: getEnvDuration("FEDERATE_HTTP_CLIENT_TIMEOUT", 10*time.Second),
			SessionRetention:  getEnvDuration("FEDERATE_SESSION_RETENTION", 30*24*time.Hour),
			CleanupSchedule:   getEnv("FEDERATE_CLEANUP_SCHEDULE", "@hourly"),
			StateStoreSize:    getEnvInt("FEDERATE_STATE_STORE_SIZE", 10000),
		},
		LogLevel: getEnv("FEDERATE_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("FEDERATE_LOG_JSON", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("FEDERATE_DATABASE_URL is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL: %s", c.Server.BaseURL)
	}
	if c.SSO.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.SSO.StateTTL <= 0 {
		return fmt.Errorf("state TTL must be positive")
	}
	if c.SSO.HTTPClientTimeout <= 0 {
		return fmt.Errorf("HTTP client timeout must be positive")
	}
	if c.SSO.StateStoreSize <= 0 {
		return fmt.Errorf("state store size must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
