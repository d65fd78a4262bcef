package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IMGCLASS_CONFIG_PATH", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5000, cfg.Server.Port)
	require.Equal(t, "projects", cfg.Storage.Root)
	require.Equal(t, RunnerExec, cfg.Training.Runner)
	require.Equal(t, 10, cfg.Training.Defaults.Epochs)
	require.Equal(t, 32, cfg.Training.Defaults.BatchSize)
	require.InDelta(t, 0.001, cfg.Training.Defaults.LearningRate, 1e-12)
	require.True(t, cfg.Watch.Enabled)
	require.Equal(t, int64(500<<20), cfg.MaxUploadBytes())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgclass.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
storage:
  root: /data/projects
training:
  runner: inprocess
  timeout: 90s
  defaults:
    epochs: 3
inference:
  during_training: wait
`), 0o644))

	t.Setenv("IMGCLASS_CONFIG_PATH", path)
	t.Setenv("IMGCLASS_SERVER_PORT", "7100")
	t.Setenv("IMGCLASS_WATCH", "false")
	t.Setenv("IMGCLASS_WORKER_COMMAND", "/usr/bin/imgclass --quiet")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7100, cfg.Server.Port)
	require.Equal(t, "/data/projects", cfg.Storage.Root)
	require.Equal(t, RunnerInProcess, cfg.Training.Runner)
	require.Equal(t, 90*time.Second, cfg.Training.Timeout)
	require.Equal(t, 3, cfg.Training.Defaults.Epochs)
	require.Equal(t, 32, cfg.Training.Defaults.BatchSize)
	require.Equal(t, "wait", cfg.Inference.DuringTraining)
	require.False(t, cfg.Watch.Enabled)
	require.Equal(t, []string{"/usr/bin/imgclass", "--quiet"}, cfg.Training.WorkerCommand)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for key, val := range map[string]string{
		"IMGCLASS_SERVER_PORT":             "http",
		"IMGCLASS_TRANSPORT":               "grpc",
		"IMGCLASS_TRAINING_RUNNER":         "k8s",
		"IMGCLASS_PREDICT_DURING_TRAINING": "block",
		"IMGCLASS_TRAINING_TIMEOUT":        "soon",
		"IMGCLASS_AUTH_ENABLED":            "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
