package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
scanner:
  watch_path: /data/cases
hpc:
  host: gpu-cluster.example.org
  user: moqui
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/cases", cfg.Scanner.WatchPath)
	assert.Equal(t, 5*time.Second, cfg.Scanner.QuiescencePeriod())
	assert.Equal(t, "gpu-cluster.example.org:22", cfg.HPC.Addr())
	assert.Equal(t, 4, cfg.MainLoop.MaxWorkers)
	assert.Equal(t, 10, cfg.MainLoop.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.MainLoop.RunningCaseTimeout())
	assert.Equal(t, 50, cfg.MainLoop.GpuRefreshIntervalIteration)
	assert.Equal(t, "weighted_fair", cfg.PriorityScheduling.Algorithm)
	assert.Equal(t, "pueue", cfg.HPC.PueueCommand)

	require.Len(t, cfg.Workflow, 7)
	assert.Equal(t, "preprocess", cfg.Workflow[0].Name)
	assert.Equal(t, "postprocess", cfg.Workflow[6].Name)
	assert.Equal(t, types.CaseStatusCompleted, cfg.Workflow[6].OnSuccessStatus)
	assert.Equal(t, 100, cfg.Workflow[6].Progress)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  json: true
database:
  path: /var/lib/mqic/state.db
scanner:
  watch_path: /data/cases
  quiescence_period_seconds: 10
hpc:
  host: hpc01
  port: 2222
  user: moqui
  private_key_path: /home/moqui/.ssh/id_ed25519
  remote_base_dir: ~/MOQUI/cases
main_loop:
  max_workers: 8
  processing_timeout_seconds: 7200
  running_case_timeout_hours: 48
priority_scheduling:
  algorithm: aging
  aging_factor: 0.5
  starvation_threshold_hours: 12
dashboard:
  enabled: true
workflow:
  - name: upload
    target: upload
    on_start_status: uploading
    on_success_status: uploaded
    on_failure_status: failed
    progress: 50
    retry:
      max_attempts: 5
      delay_seconds: 30
      on: [network]
  - name: submit
    target: submit
    on_start_status: submitting
    on_success_status: running
    on_failure_status: failed
    progress: 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "hpc01:2222", cfg.HPC.Addr())
	assert.Equal(t, 8, cfg.MainLoop.MaxWorkers)
	assert.Equal(t, 2*time.Hour, cfg.MainLoop.ProcessingTimeout())
	assert.Equal(t, 48*time.Hour, cfg.MainLoop.RunningCaseTimeout())
	assert.Equal(t, "aging", cfg.PriorityScheduling.Algorithm)
	assert.Equal(t, 12*time.Hour, cfg.PriorityScheduling.StarvationThreshold())
	assert.Equal(t, ":8086", cfg.Dashboard.ListenAddr)

	require.Len(t, cfg.Workflow, 2)
	assert.Equal(t, 5, cfg.Workflow[0].Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Workflow[0].Retry.Delay())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing watch path",
			"hpc: {host: h, user: u}\n",
			"scanner.watch_path",
		},
		{
			"missing host",
			"scanner: {watch_path: /cases}\nhpc: {user: u}\n",
			"hpc.host",
		},
		{
			"unknown algorithm",
			"scanner: {watch_path: /cases}\nhpc: {host: h, user: u}\npriority_scheduling: {algorithm: lifo}\n",
			"algorithm",
		},
		{
			"duplicate step names",
			`scanner: {watch_path: /cases}
hpc: {host: h, user: u}
workflow:
  - {name: upload, target: upload, on_success_status: uploaded}
  - {name: upload, target: upload, on_success_status: uploaded}
`,
			"duplicate step",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
