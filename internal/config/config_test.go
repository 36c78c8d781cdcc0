package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeFile(t, "remorad.yaml", `
daemon:
  listenAddress: "0.0.0.0:6000"
  migrationAddress: "0.0.0.0:6001"
  metricsAddress: "0.0.0.0:6002"
logger:
  verbosity: debug
checkpoint:
  intervalMs: 500
  imageDir: /var/lib/remora
pipeline:
  queueCapacity: 1024
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:6000", cfg.Daemon.ListenAddress)
		assert.Equal(t, "0.0.0.0:6001", cfg.Daemon.MigrationAddress)
		assert.Equal(t, "debug", cfg.Logger.Verbosity)
		assert.Equal(t, uint64(500), cfg.Checkpoint.IntervalMs)
		assert.Equal(t, "/var/lib/remora", cfg.Checkpoint.ImageDir)
		assert.Equal(t, 1024, cfg.Pipeline.QueueCapacity)
	})

	t.Run("defaults fill gaps", func(t *testing.T) {
		path := writeFile(t, "remorad.yaml", `logger: {}`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:5213", cfg.Daemon.ListenAddress)
		assert.Equal(t, "info", cfg.Logger.Verbosity)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("does-not-exist.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "daemon: [not a mapping")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestLoadAgentConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "agent.yaml", `
job_name: llama-serving
daemon_addr: 10.0.0.7
`)
		cfg, err := LoadAgentConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "llama-serving", cfg.JobName)
		assert.Equal(t, "10.0.0.7", cfg.DaemonAddr)
	})

	t.Run("daemon addr defaults to localhost", func(t *testing.T) {
		path := writeFile(t, "agent.yaml", `job_name: j`)
		cfg, err := LoadAgentConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.DaemonAddr)
	})

	t.Run("missing job name", func(t *testing.T) {
		path := writeFile(t, "agent.yaml", `daemon_addr: 10.0.0.7`)
		_, err := LoadAgentConfig(path)
		assert.Error(t, err)
	})

	t.Run("job name too long", func(t *testing.T) {
		long := make([]byte, 257)
		for i := range long {
			long[i] = 'a'
		}
		path := writeFile(t, "agent.yaml", "job_name: "+string(long))
		_, err := LoadAgentConfig(path)
		assert.Error(t, err)
	})
}
