package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, "catalog.db", cfg.CatalogPath)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.AccountLimit)
	assert.Equal(t, 2, cfg.TokenPoolSize)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, 600*time.Second, cfg.DownloadTimeout)
	assert.False(t, cfg.SkipChecksum)
	assert.Equal(t, "cdse-public", cfg.Dataspace.ClientID)
	assert.Equal(t, "usgs-landsat", cfg.Landsat.Bucket)
	assert.Equal(t, "us-west-2", cfg.Landsat.Region)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("GEOCOLLECT_OUTPUT_DIR", "/data/scenes")
	t.Setenv("GEOCOLLECT_LOG_LEVEL", "DEBUG")
	t.Setenv("GEOCOLLECT_CACHE_BACKEND", "sqlite")
	t.Setenv("GEOCOLLECT_CACHE_PATH", "/tmp/shared.db")
	t.Setenv("GEOCOLLECT_MAX_WORKERS", "8")
	t.Setenv("GEOCOLLECT_SKIP_CHECKSUM", "true")
	t.Setenv("GEOCOLLECT_DOWNLOAD_TIMEOUT", "30m")
	t.Setenv("GEOCOLLECT_DATASPACE_USERNAME", "user@example.com")
	t.Setenv("GEOCOLLECT_DATASPACE_PASSWORD", "secret")
	t.Setenv("GEOCOLLECT_ACCOUNTS", "alice:pw1,bob:pw2")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/scenes", cfg.OutputDir)
	assert.Equal(t, "sqlite", cfg.CacheBackend)
	assert.Equal(t, "/tmp/shared.db", cfg.CachePath)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.True(t, cfg.SkipChecksum)
	assert.Equal(t, 30*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, "user@example.com", cfg.Dataspace.Username)
	assert.Equal(t, "secret", cfg.Dataspace.Password)
	assert.Equal(t, []string{"alice:pw1", "bob:pw2"}, cfg.Accounts)
}

func TestSlogLevel(t *testing.T) {
	testCases := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range testCases {
		cfg := config.Config{LogLevel: tc.level}
		assert.Equal(t, tc.want, cfg.SlogLevel(), tc.level)
	}
}
