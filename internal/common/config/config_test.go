package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Agents.Max)
	assert.Equal(t, 0, cfg.Agents.AcquireTimeout)
	assert.Equal(t, "", cfg.Provider.Name)
	assert.Equal(t, 2, cfg.Provider.PoolSize)
	assert.Equal(t, 1, cfg.Provider.WarmSize)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./deskd.db", cfg.Storage.Path)
	assert.InDelta(t, 0.50, cfg.ReloadCache.SimilarityFloor, 1e-9)
	assert.InDelta(t, 0.90, cfg.ReloadCache.SuggestThreshold, 1e-9)
	assert.Equal(t, 200, cfg.ReloadCache.MaxEntries)
	assert.Equal(t, 1800, cfg.Session.IdleTimeout)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Run("plain env names override defaults", func(t *testing.T) {
		t.Setenv("MAX_AGENTS", "3")
		t.Setenv("PORT", "9100")
		t.Setenv("PROVIDER", "mock")

		cfg, err := LoadWithPath(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Agents.Max)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, "mock", cfg.Provider.Name)
	})

	t.Run("prefixed env names work as well", func(t *testing.T) {
		t.Setenv("DESKD_AGENTS_MAX", "7")
		t.Setenv("DESKD_LOGGING_LEVEL", "debug")

		cfg, err := LoadWithPath(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Agents.Max)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects non-positive agent limit", func(t *testing.T) {
		t.Setenv("MAX_AGENTS", "0")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agents.max must be positive")
	})

	t.Run("rejects out-of-range port", func(t *testing.T) {
		t.Setenv("PORT", "70000")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("rejects unknown storage driver", func(t *testing.T) {
		t.Setenv("DESKD_STORAGE_DRIVER", "mysql")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.driver")
	})

	t.Run("rejects suggest threshold below similarity floor", func(t *testing.T) {
		t.Setenv("DESKD_RELOADCACHE_SUGGESTTHRESHOLD", "0.4")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "suggestThreshold")
	})
}

func TestPostgresDSN(t *testing.T) {
	pg := PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "deskd",
		Password: "secret",
		DBName:   "deskd",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=deskd password=secret dbname=deskd sslmode=require",
		pg.DSN())
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "30m0s", cfg.Session.IdleTimeoutDuration().String())
	assert.Equal(t, "30s", cfg.Server.ReadTimeoutDuration().String())

	// The default zero acquire timeout means wait indefinitely, which the
	// limiter expresses as a negative duration.
	assert.Negative(t, cfg.Agents.AcquireTimeoutDuration())

	bounded := AgentsConfig{AcquireTimeout: 5}
	assert.Equal(t, "5s", bounded.AcquireTimeoutDuration().String())
}
