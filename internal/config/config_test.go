package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactlink/tactlink/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  node_id: "a2c4e6a8-0000-4000-8000-000000000001"
  zone: "right"
transport:
  port: 7700
sync:
  min_interval: 2s
  max_interval: 32s
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "right", cfg.Node.Zone)
	assert.Equal(t, 7700, cfg.Transport.Port)
	assert.Equal(t, 2*time.Second, cfg.Sync.MinInterval)
	assert.Equal(t, 32*time.Second, cfg.Sync.MaxInterval)

	// Unset sections keep their defaults.
	assert.Equal(t, 3, cfg.Sync.TrustThreshold)
	assert.Equal(t, uint8(70), cfg.Sync.GoodQuality)
	assert.Equal(t, 2*time.Second, cfg.Pattern.DefaultCycle)
	assert.Equal(t, uint8(15), cfg.Election.HandoffThreshold)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestDefaultConfig_BackoffLadderEndpoints(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Sync.MinInterval)
	assert.Equal(t, 80*time.Second, cfg.Sync.MaxInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.StepThreshold)
	assert.Equal(t, 100*time.Microsecond, cfg.Sync.NoiseMargin)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name:   "missing node id",
			mutate: func(c *config.Config) { c.Node.NodeID = "" },
		},
		{
			name:   "node id not a uuid",
			mutate: func(c *config.Config) { c.Node.NodeID = "node-1" },
		},
		{
			name:   "bad zone",
			mutate: func(c *config.Config) { c.Node.Zone = "middle" },
		},
		{
			name:   "port out of range",
			mutate: func(c *config.Config) { c.Transport.Port = 70000 },
		},
		{
			name:   "max interval below min",
			mutate: func(c *config.Config) { c.Sync.MaxInterval = time.Second },
		},
		{
			name:   "zero trust threshold",
			mutate: func(c *config.Config) { c.Sync.TrustThreshold = 0 },
		},
		{
			name:   "duty percent out of range",
			mutate: func(c *config.Config) { c.Pattern.DutyPercent = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Node.NodeID = "a2c4e6a8-0000-4000-8000-000000000001"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
