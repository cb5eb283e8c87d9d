package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("RATE_LIMIT_RPS", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, c.Store)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, time.Hour, c.PriceInterval)
	assert.Equal(t, 15*time.Minute, c.PriceMaxAge)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 2*time.Second, c.LockTimeout)
	assert.Equal(t, 20, c.RateLimitRPS)
	assert.Equal(t, logrus.DebugLevel, c.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("POSTGRES_URL", "postgres://localhost/x")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LEDGER_MAX_RETRIES", "5")
	t.Setenv("LOCK_TIMEOUT_MS", "250")
	t.Setenv("PRICE_SIMULATOR", "true")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RATE_LIMIT_RPS", "0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, c.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, c.LockTimeout)
	assert.True(t, c.PriceSimulate)
	assert.Equal(t, logrus.WarnLevel, c.LogLevel)
	assert.Equal(t, 0, c.RateLimitRPS)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("JWT_SECRET", "x")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("STORE", "sqlite")
	t.Setenv("JWT_SECRET", "x")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadZeroLockTimeoutFallsBack(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("LOCK_TIMEOUT_MS", "0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.LockTimeout)
}

func TestLoadDatabaseSkipsServerSettings(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/x")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE", "")
	t.Setenv("LOCK_TIMEOUT_MS", "750")
	t.Setenv("LEDGER_MAX_RETRIES", "1")

	c, err := LoadDatabase()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, c.LockTimeout)
	assert.Equal(t, 1, c.MaxRetries)

	t.Setenv("POSTGRES_URL", "")
	_, err = LoadDatabase()
	assert.Error(t, err)
}
