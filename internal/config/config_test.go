package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/splitguard/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "./models", cfg.Models.RegistryPath)
	assert.Equal(t, 1000, cfg.Training.MinSamples)
	assert.Equal(t, "0 2 * * 0", cfg.Training.Schedule)
	assert.True(t, cfg.Training.AutoLoad)
	assert.InDelta(t, 1.0, cfg.Scoring.Weights.Sum(), 1e-9)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "splitguard.yaml")
	yamlDoc := `
server:
  port: 9100
scoring:
  high_threshold: 90
  medium_threshold: 40
  custom_flags:
    - name: huge_group
      expression: "features['participant_count'] > 50.0"
velocity:
  window: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("SPLITGUARD_PORT", "9200")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port, "env overrides the file")
	assert.Equal(t, 90.0, cfg.Scoring.HighThreshold)
	assert.Equal(t, 40.0, cfg.Scoring.MediumThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Velocity.Window)
	require.Len(t, cfg.Scoring.CustomFlags, 1)
	assert.Equal(t, "huge_group", cfg.Scoring.CustomFlags[0].Name)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SPLITGUARD_MIN_TRAINING_SAMPLES=250\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SPLITGUARD_MIN_TRAINING_SAMPLES") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Training.MinSamples)
}

func TestLoadRejectsBadWeights(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SPLITGUARD_WEIGHT_RISK", "0.9")

	_, err := Load("")
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestLoadProTier(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SPLITGUARD_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevel("debug").String())
	assert.Equal(t, "WARN", LogLevel("warning").String())
	assert.Equal(t, "INFO", LogLevel("bogus").String())
}
