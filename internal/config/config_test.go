package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "speedkeeper.db", cfg.Storage.Path)
	assert.Equal(t, "Sri Lanka", cfg.Servers.Region)
	assert.Equal(t, 5, cfg.Servers.PoolSize)
	assert.Nil(t, cfg.Servers.Latitude)
	assert.Nil(t, cfg.Servers.Longitude)
	assert.Equal(t, 30, cfg.Servers.TimeoutSeconds)
	assert.Equal(t, 300, cfg.Monitoring.IntervalSeconds)
	assert.Equal(t, 15, cfg.Monitoring.TimeoutSeconds)
	assert.Equal(t, 15, cfg.Intelligence.TrainingIntervalMinutes)
	assert.Equal(t, 30, cfg.Intelligence.TrainingWindowDays)
	assert.Equal(t, 60, cfg.Intelligence.AdvancedWindowDays)
	assert.Equal(t, 7, cfg.Intelligence.MinLearningDays)
	assert.Equal(t, "Medium", cfg.Stealth.Level)
	assert.Equal(t, 5, cfg.Stealth.RotationSetSize)
	assert.InDelta(t, 1.0, cfg.Keeper.HourlyBudgetMB, 1e-9)
	assert.Equal(t, []int{64, 128, 256}, cfg.Keeper.BurstSizesKB)
	assert.InDelta(t, 0.3, cfg.Keeper.TightenThresholdDrop, 1e-9)
	assert.Equal(t, 60, cfg.Keeper.RelaxThresholdStabilityS)
}

func TestLoadOverridesDefaults(t *testing.T) {
	content := `
storage:
  type: influxdb
  url: http://localhost:8086
  token: secret
  organization: speedkeeper
  bucket: measurements
servers:
  region: Singapore
  pool_size: 3
  latitude: 6.9271
  longitude: 79.8612
stealth:
  level: Maximum
  rotation_set_size: 8
keeper:
  enabled: true
  hourly_budget_mb: 2.5
  burst_sizes_kb: [32, 64]
  quiet_hours: [2, 3, 4]
monitoring:
  enabled: true
  interval_seconds: 120
`
	cfg, err := Load(writeConfigFile(t, content))
	require.NoError(t, err)

	assert.Equal(t, "influxdb", cfg.Storage.Type)
	assert.Equal(t, "http://localhost:8086", cfg.Storage.URL)
	assert.Equal(t, "Singapore", cfg.Servers.Region)
	assert.Equal(t, 3, cfg.Servers.PoolSize)
	require.NotNil(t, cfg.Servers.Latitude)
	assert.InDelta(t, 6.9271, *cfg.Servers.Latitude, 1e-9)
	require.NotNil(t, cfg.Servers.Longitude)
	assert.InDelta(t, 79.8612, *cfg.Servers.Longitude, 1e-9)
	assert.Equal(t, "Maximum", cfg.Stealth.Level)
	assert.Equal(t, 8, cfg.Stealth.RotationSetSize)
	assert.True(t, cfg.Keeper.Enabled)
	assert.InDelta(t, 2.5, cfg.Keeper.HourlyBudgetMB, 1e-9)
	assert.Equal(t, []int{32, 64}, cfg.Keeper.BurstSizesKB)
	assert.Equal(t, []int{2, 3, 4}, cfg.Keeper.QuietHours)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 120, cfg.Monitoring.IntervalSeconds)

	// Незаданные значения по-прежнему берутся из умолчаний
	assert.Equal(t, 30, cfg.Servers.TimeoutSeconds)
	assert.Equal(t, 15, cfg.Intelligence.TrainingIntervalMinutes)
}
