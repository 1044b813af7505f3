package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /tmp/steward-test.db
loop:
  max_deploys_per_hour: 2
  cooldown: 30m
monitor:
  high_drop: 0.25
  critical_drop: 0.4
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/steward-test.db", cfg.Store.Path)
	assert.Equal(t, 2, cfg.Loop.MaxDeploysPerHour)
	assert.Equal(t, 30*time.Minute, cfg.Loop.Cooldown)
	assert.InDelta(t, 0.25, cfg.Monitor.HighDrop, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvDB, "/var/lib/steward.db")
	t.Setenv(EnvListen, "0.0.0.0:9000")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/steward.db", cfg.Store.Path)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"critical below high", "monitor:\n  high_drop: 0.3\n  critical_drop: 0.2\n"},
		{"unknown interpreter", "executor:\n  interpreter: ruby\n"},
		{"bad collaborator url", "collaborators:\n  base_url: not a url\n"},
		{"malformed yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Server.Listen = "127.0.0.1:8123"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", loaded.Server.Listen)
}

func TestDefaultPathHonorsEnv(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/steward.yaml")
	assert.Equal(t, "/etc/steward.yaml", DefaultPath())
}
