package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/faults"
)

type recordingSink struct {
	statuses []string
	progress []int
	subtasks []string
}

func (r *recordingSink) OnStatus(text string)  { r.statuses = append(r.statuses, text) }
func (r *recordingSink) OnProgress(p int)      { r.progress = append(r.progress, p) }
func (r *recordingSink) OnSubtask(text string) { r.subtasks = append(r.subtasks, text) }

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestRunParsesProgressMarkers(t *testing.T) {
	script := writeScript(t, `
echo "STATUS:: interpreting log files"
echo "PROGRESS:: 10"
echo "SUBTASK:: beam 1"
echo "plain output line"
echo "PROGRESS:: 90"
echo "PROGRESS:: not_a_number"
echo "PROGRESS:: 400"
`)

	sink := &recordingSink{}
	result, err := NewExecutor().Run(context.Background(), Command{Executable: script}, sink)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ReturnCode)
	assert.Equal(t, []string{"interpreting log files"}, sink.statuses)
	assert.Equal(t, []int{10, 90}, sink.progress, "malformed and out-of-range markers are dropped")
	assert.Equal(t, []string{"beam 1"}, sink.subtasks)
	assert.Contains(t, result.Stdout, "plain output line")
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestRunFailureCarriesStderrTail(t *testing.T) {
	script := writeScript(t, `
for i in 1 2 3 4 5 6 7 8; do echo "stderr line $i" >&2; done
exit 3
`)

	result, err := NewExecutor().Run(context.Background(), Command{Executable: script}, nil)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.ReturnCode)

	// Only the last five lines end up in the error message.
	assert.Contains(t, err.Error(), "stderr line 8")
	assert.Contains(t, err.Error(), "stderr line 4")
	assert.NotContains(t, err.Error(), "stderr line 3")
	assert.Equal(t, faults.Application, faults.CategoryOf(err))
}

func TestRunMissingExecutableIsConfigurationFault(t *testing.T) {
	_, err := NewExecutor().Run(context.Background(), Command{
		Executable: "/does/not/exist/tool",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, faults.Configuration, faults.CategoryOf(err))
	assert.False(t, faults.IsRetryable(err))
}

func TestRunMissingInputDirIsConfigurationFault(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	_, err := NewExecutor().Run(context.Background(), Command{
		Executable: script,
		InputDir:   "/no/such/input",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, faults.Configuration, faults.CategoryOf(err))
}

func TestRunCreatesOutputDirs(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	outDir := filepath.Join(t.TempDir(), "final_dcm")

	_, err := NewExecutor().Run(context.Background(), Command{
		Executable: script,
		OutputDirs: []string{outDir},
	}, nil)
	require.NoError(t, err)

	info, err := os.Stat(outDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunHonorsContextCancellation(t *testing.T) {
	script := writeScript(t, "sleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecutor().Run(ctx, Command{Executable: script}, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, faults.IsRetryable(err), "timeouts are transient")
}
