package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stagerun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
dataDir: /var/lib/stagerun
acquireTimeout: 90s
executor:
  containerRuntime: podman
agents:
  - id: builder-1
    labels: [linux, docker]
    capacity: 2
  - id: remote-1
    labels: [arm64]
    address: http://10.0.0.5:9000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.AcquireTimeout.Std())
	assert.Equal(t, "podman", cfg.Executor.ContainerRuntime)
	assert.Equal(t, "sh", cfg.Executor.Shell, "defaults survive")
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Agents[1].Address)
	assert.Equal(t, "/var/lib/stagerun/journal.jsonl", cfg.Journal.Path)
	assert.Equal(t, "/var/lib/stagerun/logs", cfg.LogDir())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listn: :80\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STAGERUN_LISTEN":              ":7000",
		"STAGERUN_MAX_CONCURRENT_RUNS": "9",
		"STAGERUN_STEP_TIMEOUT":        "2m",
		"STAGERUN_ARCHIVE_ENABLED":     "true",
		"STAGERUN_ARCHIVE_ENDPOINT":    "minio:9000",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 9, cfg.MaxConcurrentRuns)
	assert.Equal(t, 2*time.Minute, cfg.Executor.StepTimeout.Std())
	assert.True(t, cfg.Archive.Enabled)
	require.NoError(t, cfg.Validate())

	env["STAGERUN_MAX_CONCURRENT_RUNS"] = "many"
	assert.Error(t, Default().ApplyEnv(lookup))
}

func TestValidateCollectsIssues(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	cfg.Archive.Enabled = true
	cfg.Archive.Endpoint = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.Contains(t, err.Error(), "listed twice")
	assert.Contains(t, err.Error(), "archive")
}
