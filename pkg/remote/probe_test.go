package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/types"
)

// fakeRunner returns canned results keyed by command substring
type fakeRunner struct {
	results map[string]*ExecResult
	err     error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	return f.RunStream(ctx, cmd, nil, nil)
}

func (f *fakeRunner) RunStream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (*ExecResult, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return nil, f.err
	}
	for key, res := range f.results {
		if key == "" || strings.Contains(cmd, key) {
			if stdout != nil && res.Stdout != "" {
				if _, err := io.WriteString(stdout, res.Stdout); err != nil {
					return nil, err
				}
				return &ExecResult{Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
			}
			return res, nil
		}
	}
	return &ExecResult{}, nil
}

func TestParseGroupListing(t *testing.T) {
	out := `Group "default" (1 parallel): running
Group "gpu_0" (1 parallel): running
Group "gpu_1" (2 parallel): paused
not a group line
`
	groups := ParseGroupListing(out)
	assert.Equal(t, []string{"default", "gpu_0", "gpu_1"}, groups)
}

func TestParseGroupListingEmpty(t *testing.T) {
	assert.Empty(t, ParseGroupListing(""))
	assert.Empty(t, ParseGroupListing("garbage\nmore garbage"))
}

const statusJSON = `{
  "groups": {
    "gpu_0": {"running": 1, "queued": 2},
    "gpu_1": {"running": 0, "queued": 0}
  },
  "tasks": {
    "301": {"status": "Done", "result": "success", "label": "mqic_case_7_1756000000"},
    "302": {"status": "Done", "result": "failure", "label": "mqic_case_8_1756000100"},
    "303": {"status": "Running", "result": "", "label": "mqic_case_9_1756000200"},
    "304": {"status": "Queued", "result": "", "label": "other_job"}
  }
}`

func TestParseQueueStatus(t *testing.T) {
	snapshot, err := ParseQueueStatus(statusJSON)
	require.NoError(t, err)

	assert.Equal(t, types.GroupQueue{Running: 1, Queued: 2}, snapshot.Groups["gpu_0"])
	assert.Equal(t, 3, snapshot.Groups["gpu_0"].TotalLoad())
	assert.Equal(t, types.GroupQueue{}, snapshot.Groups["gpu_1"])

	assert.Equal(t, types.TaskStatusSuccess, snapshot.TaskStatus(301))
	assert.Equal(t, types.TaskStatusFailure, snapshot.TaskStatus(302))
	assert.Equal(t, types.TaskStatusRunning, snapshot.TaskStatus(303))
	assert.Equal(t, types.TaskStatusRunning, snapshot.TaskStatus(304))
	assert.Equal(t, types.TaskStatusNotFound, snapshot.TaskStatus(999))
}

func TestParseQueueStatusMalformed(t *testing.T) {
	_, err := ParseQueueStatus("pueue: command not found")
	assert.Error(t, err)
}

func TestMapTaskStatus(t *testing.T) {
	tests := []struct {
		status, result string
		want           types.TaskStatus
	}{
		{"Done", "success", types.TaskStatusSuccess},
		{"Done", "failure", types.TaskStatusFailure},
		{"Failed", "", types.TaskStatusFailure},
		{"Killing", "", types.TaskStatusFailure},
		{"Running", "", types.TaskStatusRunning},
		{"Queued", "", types.TaskStatusRunning},
		{"Paused", "", types.TaskStatusRunning},
		// A present task with an unrecognized status is alive, not
		// terminal; failing the case here would strand a queued task.
		{"Stashed", "", types.TaskStatusRunning},
		{"Locked", "", types.TaskStatusRunning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapTaskStatus(tt.status, tt.result), "%s/%s", tt.status, tt.result)
	}
}

func TestFindTaskByLabelPrefix(t *testing.T) {
	snapshot, err := ParseQueueStatus(statusJSON)
	require.NoError(t, err)

	task, found := snapshot.FindTaskByLabelPrefix("mqic_case_7")
	require.True(t, found)
	assert.Equal(t, int64(301), task.ID)

	_, found = snapshot.FindTaskByLabelPrefix("mqic_case_77")
	assert.False(t, found)
}

func TestParseNvidiaSmi(t *testing.T) {
	out := `0, GPU-aaaa, 3, 500, 24576, 41
1, GPU-bbbb, 97, 20000, 24576, 78
corrupted line without enough fields
2, GPU-cccc, not_a_number, 0, 24576, 30
`
	snapshots := ParseNvidiaSmi(out)
	require.Len(t, snapshots, 2)

	assert.Equal(t, 0, snapshots[0].Index)
	assert.False(t, snapshots[0].Busy(), "3%% util and 2%% memory is idle")

	assert.Equal(t, 1, snapshots[1].Index)
	assert.True(t, snapshots[1].Busy())
	assert.InDelta(t, 81.4, snapshots[1].MemoryPercent(), 0.1)
}

func TestBusyThresholds(t *testing.T) {
	// Memory above 10% marks the device busy even with idle compute.
	g := types.GpuSnapshot{Utilization: 0, MemoryUsed: 3000, MemoryTotal: 24576}
	assert.True(t, g.Busy())

	// Utilization above 5% alone is enough.
	g = types.GpuSnapshot{Utilization: 6, MemoryUsed: 0, MemoryTotal: 24576}
	assert.True(t, g.Busy())

	g = types.GpuSnapshot{Utilization: 5, MemoryUsed: 2457, MemoryTotal: 24576}
	assert.False(t, g.Busy(), "both exactly at threshold is not busy")
}

func TestProbeFoldsFailuresIntoUnreachable(t *testing.T) {
	probe := NewProbe(&fakeRunner{err: errors.New("dial tcp: connection refused")}, "pueue")

	_, err := probe.ListGroups(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = probe.QueueStatus(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = probe.HardwareUsage(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestProbeNonZeroExitIsUnreachable(t *testing.T) {
	probe := NewProbe(&fakeRunner{results: map[string]*ExecResult{
		"": {ExitCode: 1, Stderr: "daemon not running"},
	}}, "pueue")

	_, err := probe.QueueStatus(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}
