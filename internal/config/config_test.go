package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// empty values count as set for GetEnv; the parsed ones fall back
	t.Setenv("PORT", "3001")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("JWT_SECRET", devSecret)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_DB", "roomchat")
	t.Setenv("TOKEN_TTL", "")
	t.Setenv("TOKEN_REFRESH_GRACE", "")
	t.Setenv("ROOM_TTL", "")
	t.Setenv("CLEANUP_CRON", "0 * * * *")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshGrace)
	assert.Equal(t, 24*time.Hour, cfg.RoomTTL)
	assert.Equal(t, "0 * * * *", cfg.CleanupCron)
	assert.Contains(t, cfg.DatabaseURL, "/roomchat?sslmode=disable")
	assert.True(t, cfg.DevSecret())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("BOLT_PATH", "/tmp/x.db")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/chat")
	t.Setenv("JWT_SECRET", "prod")
	t.Setenv("TOKEN_TTL", "2h")
	t.Setenv("TOKEN_REFRESH_GRACE", "48h")
	t.Setenv("ROOM_TTL", "90m")
	t.Setenv("WS_RATE", "5.5")
	t.Setenv("WS_BURST", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverBolt, cfg.StoreDriver)
	assert.Equal(t, "/tmp/x.db", cfg.BoltPath)
	assert.Equal(t, "postgres://u:p@db/chat", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 48*time.Hour, cfg.RefreshGrace)
	assert.Equal(t, 90*time.Minute, cfg.RoomTTL)
	assert.Equal(t, 5.5, cfg.WSRate)
	assert.Equal(t, 7, cfg.WSBurst)
	assert.False(t, cfg.DevSecret())
}

func TestValidate(t *testing.T) {
	cfg := &Config{StoreDriver: "mysql", TokenTTL: time.Hour, RoomTTL: time.Hour, WSRate: 1, WSBurst: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
