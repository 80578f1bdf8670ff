// Package config gathers the server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/utils"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

const devSecret = "dev-secret-change-me"

type Config struct {
	Port     string
	LogLevel string

	StoreDriver string
	DatabaseURL string
	BoltPath    string

	UploadDir string
	BaseURL   string

	JWTSecret    string
	TokenTTL     time.Duration
	RefreshGrace time.Duration

	RoomTTL     time.Duration
	CleanupCron string

	WSRate  float64
	WSBurst int
}

// Load reads .env (if present) and the environment. Unset values fall back
// to development defaults.
func Load() (*Config, error) {
	_ = utils.LoadEnv()

	port := utils.GetEnv("PORT", "3001")
	cfg := &Config{
		Port:         port,
		LogLevel:     utils.GetEnv("LOG_LEVEL", "info"),
		StoreDriver:  strings.ToLower(utils.GetEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:  databaseURL(),
		BoltPath:     utils.GetEnv("BOLT_PATH", "roomchat.db"),
		UploadDir:    utils.GetEnv("UPLOAD_DIR", "uploads"),
		BaseURL:      utils.GetEnv("BASE_URL", "http://localhost:"+port),
		JWTSecret:    utils.GetEnv("JWT_SECRET", devSecret),
		TokenTTL:     utils.GetEnvDuration("TOKEN_TTL", 24*time.Hour),
		RefreshGrace: utils.GetEnvDuration("TOKEN_REFRESH_GRACE", 7*24*time.Hour),
		RoomTTL:      utils.GetEnvDuration("ROOM_TTL", 24*time.Hour),
		CleanupCron:  utils.GetEnv("CLEANUP_CRON", "0 * * * *"),
		WSRate:       utils.GetEnvFloat("WS_RATE", 20),
		WSBurst:      utils.GetEnvInt("WS_BURST", 40),
	}
	return cfg, cfg.Validate()
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// POSTGRES_* variables.
func databaseURL() string {
	if u := utils.GetEnv("DATABASE_URL", ""); u != "" {
		return u
	}
	return "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
		utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
		utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
		utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
		utils.GetEnv("POSTGRES_DB", "roomchat") + "?sslmode=disable"
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres, DriverBolt:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverBolt, c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is empty"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.RefreshGrace < 0 {
		errs = append(errs, errors.New("TOKEN_REFRESH_GRACE must not be negative"))
	}
	if c.RoomTTL <= 0 {
		errs = append(errs, errors.New("ROOM_TTL must be positive"))
	}
	if c.WSRate <= 0 || c.WSBurst <= 0 {
		errs = append(errs, errors.New("WS_RATE and WS_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// DevSecret reports whether the token secret is the built-in default.
func (c *Config) DevSecret() bool { return c.JWTSecret == devSecret }
