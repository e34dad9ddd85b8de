package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "citypulse", cfg.App.Name)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 20*time.Second, cfg.Retry.AttemptTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Quality.Freshness)
	assert.Equal(t, 50, cfg.Quality.WeatherAcceptScore)
	assert.Equal(t, 40, cfg.Quality.CameraAcceptScore)
	assert.Equal(t, 5, cfg.Fallback.Capacity)
	assert.Equal(t, 10*time.Minute, cfg.Fallback.MaxAge)
	assert.Equal(t, 100, cfg.Health.WindowSize)
	assert.InDelta(t, 0.8, cfg.Alerting.ReliabilityThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Alerting.ConsecutiveFailures)
	assert.Equal(t, time.Hour, cfg.Alerting.DataAge)
	assert.Equal(t, 24*time.Hour, cfg.Alerting.Retention)
	assert.Equal(t, 50, cfg.Monitoring.ErrorLogSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Monitoring.HistoryRetention)
	assert.Equal(t, DriverBadger, cfg.Storage.Driver)
	assert.Equal(t, uint32(5), cfg.Upstreams.Weather.Breaker.FailureThreshold)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citypulse.yaml")
	content := `
scheduler:
  interval: 1m
quality:
  anchor_stations: [S24, S43]
storage:
  driver: memory
alerting:
  consecutive_failures: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CITYPULSE_RETRY_MAX_RETRIES", "5")
	t.Setenv("CITYPULSE_FALLBACK_MAX_AGE", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"S24", "S43"}, cfg.Quality.AnchorStations)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Alerting.ConsecutiveFailures)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Fallback.MaxAge)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"interval":        func(c *Config) { c.Scheduler.Interval = 0 },
		"retries":         func(c *Config) { c.Retry.MaxRetries = -1 },
		"delays":          func(c *Config) { c.Retry.MaxDelay = time.Millisecond },
		"upstream url":    func(c *Config) { c.Upstreams.Camera.URL = "" },
		"ratio":           func(c *Config) { c.Quality.CameraCompleteRatio = 1.5 },
		"capacity":        func(c *Config) { c.Fallback.Capacity = 0 },
		"synthetic score": func(c *Config) { c.Fallback.SyntheticScore = 101 },
		"reliability":     func(c *Config) { c.Alerting.ReliabilityThreshold = 2 },
		"severity":        func(c *Config) { c.Alerting.MinSeverity = "critical" },
		"telegram":        func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"driver":          func(c *Config) { c.Storage.Driver = "sqlite" },
		"postgres dsn":    func(c *Config) { c.Storage.Driver = DriverPostgres },
		"persist":         func(c *Config) { c.Storage.PersistEvery = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	assert.Equal(t, 10, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 3, cfg.ResolveMaxPoints(3))
}
