package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.Upstream.RequestTimeout)
	assert.True(t, cfg.Hooks.APILogging)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_BASE", "http://localhost:9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 4567
webhook:
  enabled: true
  base_url: ${TEST_WEBHOOK_BASE}
upstream:
  request_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4567, cfg.Server.Port)
	assert.Equal(t, "http://localhost:9999", cfg.Webhook.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.RequestTimeout)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFinalizeFillsStatePaths(t *testing.T) {
	state := t.TempDir()
	cfg := Default()
	cfg.Finalize(state)

	assert.Equal(t, filepath.Join(state, DefaultDBFile), cfg.Storage.DBPath)
	assert.Equal(t, filepath.Join(state, DefaultLogDirName), cfg.Hooks.LogDir)
	assert.Equal(t, filepath.Join(state, DefaultTasksFile), cfg.Tasks.File)
	assert.Equal(t, filepath.Join(state, DefaultTelemetryFile), cfg.Monitoring.TelemetryPath)
}

func TestFinalizeKeepsExplicitValues(t *testing.T) {
	cfg := Default()
	cfg.Storage.DBPath = "/tmp/custom.db"
	cfg.Server.Port = 9000
	cfg.Finalize(t.TempDir())

	assert.Equal(t, "/tmp/custom.db", cfg.Storage.DBPath)
	assert.Equal(t, 9000, cfg.Server.Port)
}
