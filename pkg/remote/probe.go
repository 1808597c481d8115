package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mqic/communicator/pkg/types"
)

// ErrUnreachable means the remote host gave no usable answer. Callers must
// treat it as missing information, never as evidence of task state.
var ErrUnreachable = errors.New("remote host unreachable")

const probeTimeout = 30 * time.Second

// Probe issues read-only queries against the remote host
type Probe struct {
	runner Runner
	pueue  string
}

// NewProbe creates a probe using the given runner and pueue command
func NewProbe(runner Runner, pueueCommand string) *Probe {
	if pueueCommand == "" {
		pueueCommand = "pueue"
	}
	return &Probe{runner: runner, pueue: pueueCommand}
}

var groupLineRe = regexp.MustCompile(`^Group "([^"]+)" \((\d+) parallel\): (\S+)`)

// ListGroups returns the Pueue group names configured on the host
func (p *Probe) ListGroups(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.pueue+" group")
	if err != nil {
		return nil, fmt.Errorf("%w: list groups: %v", ErrUnreachable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: list groups exited %d: %s", ErrUnreachable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseGroupListing(res.Stdout), nil
}

// ParseGroupListing extracts group names from pueue's human-readable listing
func ParseGroupListing(out string) []string {
	var groups []string
	for _, line := range strings.Split(out, "\n") {
		if m := groupLineRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			groups = append(groups, m[1])
		}
	}
	return groups
}

// TaskInfo is one task entry from the Pueue status report
type TaskInfo struct {
	ID     int64
	Status string
	Result string
	Label  string
}

// QueueSnapshot is a structured view of one `status --json` call
type QueueSnapshot struct {
	Groups map[string]types.GroupQueue
	Tasks  map[int64]TaskInfo
}

// TaskStatus maps a task id to its pipeline-level status. A task missing
// from the snapshot is not_found.
func (s *QueueSnapshot) TaskStatus(taskID int64) types.TaskStatus {
	task, ok := s.Tasks[taskID]
	if !ok {
		return types.TaskStatusNotFound
	}
	return MapTaskStatus(task.Status, task.Result)
}

// FindTaskByLabelPrefix returns the task whose label starts with the given
// prefix. Labels carry an epoch suffix, so recovery matches by prefix.
func (s *QueueSnapshot) FindTaskByLabelPrefix(prefix string) (TaskInfo, bool) {
	var best TaskInfo
	found := false
	for _, task := range s.Tasks {
		if strings.HasPrefix(task.Label, prefix) {
			// Newest submission wins when retries left several labels.
			if !found || task.ID > best.ID {
				best = task
				found = true
			}
		}
	}
	return best, found
}

// MapTaskStatus maps raw Pueue status and result strings to a TaskStatus.
// Any other status of a present task (Stashed, Locked, ...) means the task
// still exists and has not finished, so it maps to running; not_found is
// reserved for ids absent from the snapshot.
func MapTaskStatus(status, result string) types.TaskStatus {
	switch status {
	case "Done":
		if result == "success" {
			return types.TaskStatusSuccess
		}
		return types.TaskStatusFailure
	case "Failed", "Killing":
		return types.TaskStatusFailure
	default:
		return types.TaskStatusRunning
	}
}

type rawStatus struct {
	Groups map[string]struct {
		Running int `json:"running"`
		Queued  int `json:"queued"`
	} `json:"groups"`
	Tasks map[string]struct {
		Status string `json:"status"`
		Result string `json:"result"`
		Label  string `json:"label"`
	} `json:"tasks"`
}

// QueueStatus returns the queue depth per group and the status of all tasks
func (p *Probe) QueueStatus(ctx context.Context) (*QueueSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.pueue+" status --json")
	if err != nil {
		return nil, fmt.Errorf("%w: queue status: %v", ErrUnreachable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: queue status exited %d: %s", ErrUnreachable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	snapshot, err := ParseQueueStatus(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return snapshot, nil
}

// ParseQueueStatus decodes pueue's JSON status report
func ParseQueueStatus(out string) (*QueueSnapshot, error) {
	var raw rawStatus
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse queue status: %w", err)
	}
	snapshot := &QueueSnapshot{
		Groups: make(map[string]types.GroupQueue, len(raw.Groups)),
		Tasks:  make(map[int64]TaskInfo, len(raw.Tasks)),
	}
	for name, g := range raw.Groups {
		snapshot.Groups[name] = types.GroupQueue{Running: g.Running, Queued: g.Queued}
	}
	for idStr, t := range raw.Tasks {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		snapshot.Tasks[id] = TaskInfo{ID: id, Status: t.Status, Result: t.Result, Label: t.Label}
	}
	return snapshot, nil
}

const nvidiaSmiCommand = "nvidia-smi --query-gpu=index,uuid,utilization.gpu,memory.used,memory.total,temperature.gpu --format=csv,noheader,nounits"

// HardwareUsage returns per-device utilization samples from nvidia-smi
func (p *Probe) HardwareUsage(ctx context.Context) ([]types.GpuSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, nvidiaSmiCommand)
	if err != nil {
		return nil, fmt.Errorf("%w: hardware usage: %v", ErrUnreachable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: nvidia-smi exited %d: %s", ErrUnreachable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseNvidiaSmi(res.Stdout), nil
}

// ParseNvidiaSmi decodes nvidia-smi CSV output. Malformed lines are skipped.
func ParseNvidiaSmi(out string) []types.GpuSnapshot {
	var snapshots []types.GpuSnapshot
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		util, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		memUsed, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			continue
		}
		memTotal, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			continue
		}
		temp, _ := strconv.ParseFloat(fields[5], 64)
		snapshots = append(snapshots, types.GpuSnapshot{
			Index:       index,
			UUID:        fields[1],
			Utilization: util,
			MemoryUsed:  memUsed,
			MemoryTotal: memTotal,
			Temperature: temp,
		})
	}
	return snapshots
}
