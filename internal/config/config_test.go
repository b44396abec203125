package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.Worker.NWorkers)
	assert.Equal(t, 2*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Worker.DeadWorkerTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxCrashRequeues)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	body := `
worker:
  n_workers: 8
  max_crash_requeues: 5
metrics:
  enabled: false
  port: 9100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.NWorkers)
	assert.Equal(t, 5, cfg.Worker.MaxCrashRequeues)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)

	// Fields absent from the file fall back to Default's values.
	assert.Equal(t, 2*time.Second, cfg.Worker.HeartbeatInterval)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestQueueConfig(t *testing.T) {
	cfg := Config{
		Worker: WorkerConfig{
			NWorkers:          6,
			HeartbeatInterval: time.Second,
			DeadWorkerTimeout: 5 * time.Second,
			JobTimeout:        20 * time.Second,
			MaxCrashRequeues:  2,
		},
	}

	qc := cfg.QueueConfig()
	assert.Equal(t, 6, qc.NWorkers)
	assert.Equal(t, time.Second, qc.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, qc.DeadWorkerTimeout)
	assert.Equal(t, 20*time.Second, qc.JobTimeout)
	assert.Equal(t, 2, qc.MaxCrashRequeues)
}
