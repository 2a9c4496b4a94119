// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const minSecretLength = 16

// Config holds the relay server configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	JWTSecret        string
	TokenTTL         time.Duration
	Redis            RedisConfig
	SendRate         float64 // messages per second per connection
	SendBurst        int
	MessageRetention time.Duration // zero disables the retention worker
	LogLevel         slog.Level
}

// RedisConfig selects the cross-instance broker. An empty Addr keeps
// delivery in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis broker is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chatter.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		TokenTTL:    getEnvDuration("TOKEN_TTL", 24*time.Hour),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SendRate:         getEnvFloat("SEND_RATE", 5),
		SendBurst:        getEnvInt("SEND_BURST", 10),
		MessageRetention: getEnvDuration("MESSAGE_RETENTION", 0),
		LogLevel:         ParseLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.SendRate <= 0 {
		return fmt.Errorf("SEND_RATE must be > 0")
	}
	if c.SendBurst <= 0 {
		return fmt.Errorf("SEND_BURST must be > 0")
	}
	if c.MessageRetention < 0 {
		return fmt.Errorf("MESSAGE_RETENTION cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ClientConfig holds the chatter CLI configuration.
type ClientConfig struct {
	Server          string
	CachePath       string
	CredentialsPath string
	SendTimeout     time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LogLevel        slog.Level
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		Server:          getEnv("CHATTER_SERVER", "http://localhost:8080"),
		CachePath:       getEnv("CHATTER_CACHE_PATH", clientFile("history.db")),
		CredentialsPath: getEnv("CHATTER_CREDENTIALS", clientFile("credentials.json")),
		SendTimeout:     getEnvDuration("CHATTER_SEND_TIMEOUT", 10*time.Second),
		MaxRetries:      getEnvInt("CHATTER_MAX_RETRIES", 10),
		BackoffBase:     getEnvDuration("CHATTER_BACKOFF_BASE", time.Second),
		BackoffMax:      getEnvDuration("CHATTER_BACKOFF_MAX", 30*time.Second),
		LogLevel:        ParseLevel(getEnv("LOG_LEVEL", "warn")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("CHATTER_SERVER cannot be empty")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("CHATTER_SEND_TIMEOUT must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("CHATTER_MAX_RETRIES cannot be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("CHATTER_BACKOFF_MAX must be >= CHATTER_BACKOFF_BASE > 0")
	}
	return nil
}

// clientFile places name in the per-user chatter cache directory.
func clientFile(name string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join("data", name)
	}
	return filepath.Join(dir, "chatter", name)
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
