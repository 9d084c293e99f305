package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/mnemo/internal/attention"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 7, cfg.Memory.Capacity)
	assert.Equal(t, 2, cfg.Memory.Variance)
	assert.Equal(t, 0.85, cfg.Memory.OverflowThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Salience.RecencyHalfLife)
	assert.Equal(t, 0.10, cfg.Salience.DecayRate)
	assert.Equal(t, 0.60, cfg.Consolidation.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Consolidation.MaxDispatchAttempts)
	assert.Empty(t, cfg.Classifier.Endpoint)
	assert.Equal(t, "127.0.0.1:8674", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  capacity: 5
  variance: 1
consolidation:
  interval: 2m
classifier:
  endpoint: http://localhost:9000/classify
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Memory.Capacity)
	assert.Equal(t, 1, cfg.Memory.Variance)
	assert.Equal(t, 2*time.Minute, cfg.Consolidation.Interval)
	assert.Equal(t, "http://localhost:9000/classify", cfg.Classifier.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, 0.85, cfg.Memory.OverflowThreshold)
	assert.Equal(t, 0.60, cfg.Consolidation.ConfidenceThreshold)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  capacity: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, attention.ErrCapacityMisconfigured)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Memory.Capacity = 0 }},
		{"negative variance", func(c *Config) { c.Memory.Variance = -1 }},
		{"decay rate too high", func(c *Config) { c.Salience.DecayRate = 1.0 }},
		{"negative decay rate", func(c *Config) { c.Salience.DecayRate = -0.1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("MNEMO_SERVER_ADDR", "0.0.0.0:9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr)
}

func TestYAMLRendering(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "capacity: 7"))
	assert.True(t, strings.Contains(out, "addr: 127.0.0.1:8674"))
}
