package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "config.json", cfg.Sources.Path)
	assert.Equal(t, "UK-IPOP/open-data-pipeline", cfg.Sources.GitHub.Repo)
	assert.Equal(t, "main", cfg.Sources.GitHub.Branch)
	assert.Equal(t, 1000, cfg.Fetch.PageSize)
	assert.Equal(t, 2000, cfg.Fetch.PageMargin)
	assert.Equal(t, 1000, cfg.Fetch.BatchMargin)
	assert.Equal(t, 10, cfg.Fetch.MaxInFlight)
	assert.Equal(t, 8, cfg.Fetch.PageMaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 5, cfg.Geocode.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Geocode.RetryDelay)
	assert.Equal(t, 10, cfg.Geocode.Concurrency)
	assert.False(t, cfg.Geocode.SkipExhausted)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
data_dir: out
log:
  level: debug
  format: console
fetch:
  page_size: 500
  timeout: 45s
geocode:
  max_retries: 2
  retry_delay: 250ms
  skip_exhausted: true
store:
  driver: none
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "out", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 500, cfg.Fetch.PageSize)
	assert.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 2, cfg.Geocode.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Geocode.RetryDelay)
	assert.True(t, cfg.Geocode.SkipExhausted)
	assert.Equal(t, "none", cfg.Store.Driver)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Fetch.MaxInFlight)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
store:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("OPENDATA_STORE_DRIVER", "postgres")
	t.Setenv("OPENDATA_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadLegacySecretEnvNames(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ARCGIS_API_KEY", "arcgis-secret")
	t.Setenv("GH_TOKEN", "ghp_secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "arcgis-secret", cfg.Geocode.APIKey)
	assert.Equal(t, "ghp_secret", cfg.Sources.GitHub.Token)
}

func TestLoadPrefixedSecretWins(t *testing.T) {
	chdirTemp(t)

	t.Setenv("OPENDATA_GEOCODE_API_KEY", "prefixed")
	t.Setenv("ARCGIS_API_KEY", "legacy")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Geocode.APIKey)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"page size", func(c *Config) { c.Fetch.PageSize = 0 }, "page_size"},
		{"in flight", func(c *Config) { c.Fetch.MaxInFlight = 0 }, "max_in_flight"},
		{"page attempts", func(c *Config) { c.Fetch.PageMaxAttempts = 0 }, "page_max_attempts"},
		{"geocode retries", func(c *Config) { c.Geocode.MaxRetries = -1 }, "max_retries"},
		{"geocode concurrency", func(c *Config) { c.Geocode.Concurrency = 0 }, "concurrency"},
		{"store driver", func(c *Config) { c.Store.Driver = "mongo" }, "store driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
