// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// defaultJWTSecret is the placeholder shipped in .env.example. Booting with it
// would make every deployment share a signing key, so Load rejects it.
const defaultJWTSecret = "CHANGE_ME_IN_PRODUCTION"

// Config holds server configuration.
type Config struct {
	Host             string
	Port             string
	DatabaseURL      string
	RedisURL         string
	JWTSecret        string
	CORSAllowOrigins []string

	TokenTTL           time.Duration
	LoginMaxAttempts   int
	LoginLockoutTTL    time.Duration
	DefaultTenantLimit int64

	SweepInterval time.Duration
	LogLevel      string
}

// Load reads configuration from the environment. A .env file is honored if
// present. It returns an error when a required variable is missing or when
// JWT_SECRET still carries the default placeholder.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TokenTTL:           24 * time.Hour,
		LoginMaxAttempts:   getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockoutTTL:    time.Duration(getEnvInt("LOGIN_LOCKOUT_TTL_SECONDS", 900)) * time.Second,
		DefaultTenantLimit: int64(getEnvInt("DEFAULT_TENANT_LIMIT", 1_000_000)),
		SweepInterval:      time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
	}

	if origins := os.Getenv("CORS_ALLOW_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, o)
			}
		}
	}

	var missing []string
	for name, val := range map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
		"JWT_SECRET":   cfg.JWTSecret,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if cfg.JWTSecret == defaultJWTSecret {
		return nil, fmt.Errorf("JWT_SECRET is still the default placeholder; refusing to boot")
	}

	return cfg, nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
