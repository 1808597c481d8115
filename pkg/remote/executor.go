package remote

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/faults"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/types"
)

const (
	opTimeout       = 60 * time.Second
	transferTimeout = 5 * time.Minute
)

// ExecutorConfig locates the per-case directories on the remote host
type ExecutorConfig struct {
	PueueCommand          string
	SimulationCommand     string
	RemoteBaseDir         string
	InterpreterOutputsDir string
	OutputsDir            string
}

// RemoteDirs are the three per-case directories on the HPC host
type RemoteDirs struct {
	CaseDir string // <remote_base>/<case_name>/<run_id>
	CSVDir  string // <interpreter_outputs>/<case_name>
	RawDir  string // <outputs>/<case_name>
}

// Executor performs side-effecting operations on the remote host
type Executor struct {
	runner Runner
	probe  *Probe
	cfg    ExecutorConfig
	logger zerolog.Logger
}

// NewExecutor creates a remote executor
func NewExecutor(runner Runner, cfg ExecutorConfig) *Executor {
	if cfg.PueueCommand == "" {
		cfg.PueueCommand = "pueue"
	}
	if cfg.SimulationCommand == "" {
		cfg.SimulationCommand = "./moqui moqui_tps.in"
	}
	return &Executor{
		runner: runner,
		probe:  NewProbe(runner, cfg.PueueCommand),
		cfg:    cfg,
		logger: log.WithComponent("remote"),
	}
}

// LabelPrefix returns the stable recovery label prefix for a case
func LabelPrefix(caseID int64) string {
	return fmt.Sprintf("mqic_case_%d", caseID)
}

// NewLabel returns a fresh submission label for a case. The epoch suffix
// keeps resubmissions distinguishable while the prefix stays recoverable.
func NewLabel(caseID int64) string {
	return fmt.Sprintf("%s_%d", LabelPrefix(caseID), time.Now().Unix())
}

// NormalizeRemotePath converts a path to the form the remote shell expects
func NormalizeRemotePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "~/")
	return p
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Dirs derives the remote directory layout for one case attempt
func (e *Executor) Dirs(caseName, runID string) RemoteDirs {
	join := func(parts ...string) string {
		return NormalizeRemotePath(strings.Join(parts, "/"))
	}
	return RemoteDirs{
		CaseDir: join(e.cfg.RemoteBaseDir, caseName, runID),
		CSVDir:  join(e.cfg.InterpreterOutputsDir, caseName),
		RawDir:  join(e.cfg.OutputsDir, caseName),
	}
}

// EnsureRemoteDirs creates the working, CSV, and raw dose directories
func (e *Executor) EnsureRemoteDirs(ctx context.Context, caseName, runID string) (RemoteDirs, error) {
	dirs := e.Dirs(caseName, runID)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmd := fmt.Sprintf("mkdir -p %s %s %s",
		shellQuote(dirs.CaseDir), shellQuote(dirs.CSVDir), shellQuote(dirs.RawDir))
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return dirs, err
	}
	if res.ExitCode != 0 {
		return dirs, faults.New("remote.mkdir",
			faults.ClassifyExit(res.ExitCode, res.Stderr),
			fmt.Errorf("mkdir exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return dirs, nil
}

// UploadTPSFile writes a small generated file to the remote path
func (e *Executor) UploadTPSFile(ctx context.Context, content []byte, remotePath string) error {
	remotePath = NormalizeRemotePath(remotePath)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	cmd := "cat > " + shellQuote(remotePath)
	res, err := e.runner.RunStream(ctx, cmd, bytes.NewReader(content), nil)
	timer.ObserveDuration(metrics.RemoteOperationDuration.WithLabelValues("upload_tps"))
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("upload_tps", "error").Inc()
		return err
	}
	if res.ExitCode != 0 {
		metrics.RemoteOperationsTotal.WithLabelValues("upload_tps", "error").Inc()
		return faults.New("remote.upload_tps",
			faults.ClassifyExit(res.ExitCode, res.Stderr),
			fmt.Errorf("write %s exited %d: %s", remotePath, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	metrics.RemoteOperationsTotal.WithLabelValues("upload_tps", "success").Inc()
	return nil
}

// UploadCaseDir transfers the case directory tree to the remote host
func (e *Executor) UploadCaseDir(ctx context.Context, localDir, remoteDir string) error {
	remoteDir = NormalizeRemotePath(remoteDir)
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	archive, errCh := tarTree(localDir)
	defer archive.Close()

	timer := metrics.NewTimer()
	cmd := fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", shellQuote(remoteDir), shellQuote(remoteDir))
	res, err := e.runner.RunStream(ctx, cmd, archive, nil)
	timer.ObserveDuration(metrics.RemoteOperationDuration.WithLabelValues("upload_case"))
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("upload_case", "error").Inc()
		return err
	}
	if tarErr := <-errCh; tarErr != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("upload_case", "error").Inc()
		return faults.New("remote.upload_case", faults.System, tarErr)
	}
	if res.ExitCode != 0 {
		metrics.RemoteOperationsTotal.WithLabelValues("upload_case", "error").Inc()
		return faults.New("remote.upload_case",
			faults.ClassifyExit(res.ExitCode, res.Stderr),
			fmt.Errorf("upload to %s exited %d: %s", remoteDir, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	metrics.RemoteOperationsTotal.WithLabelValues("upload_case", "success").Inc()
	return nil
}

var submitIDRe = regexp.MustCompile(`\(id: (\d+)\)`)

// SubmitJob enqueues the simulation in the given group and returns the
// remote task id parsed from the submit response
func (e *Executor) SubmitJob(ctx context.Context, remoteDir, group, label string) (int64, error) {
	remoteDir = NormalizeRemotePath(remoteDir)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sim := fmt.Sprintf("cd %s && %s", shellQuote(remoteDir), e.cfg.SimulationCommand)
	cmd := fmt.Sprintf("%s add --label %s --group %s -- sh -c %s",
		e.cfg.PueueCommand, shellQuote(label), shellQuote(group), shellQuote(sim))

	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("submit", "error").Inc()
		return 0, err
	}
	if res.ExitCode != 0 {
		metrics.RemoteOperationsTotal.WithLabelValues("submit", "error").Inc()
		return 0, faults.New("remote.submit",
			faults.ClassifyExit(res.ExitCode, res.Stderr),
			fmt.Errorf("pueue add exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	id, err := ParseSubmitResponse(res.Stdout)
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("submit", "error").Inc()
		return 0, err
	}
	metrics.RemoteOperationsTotal.WithLabelValues("submit", "success").Inc()
	e.logger.Info().Int64("task_id", id).Str("group", group).Str("label", label).Msg("job submitted")
	return id, nil
}

// ParseSubmitResponse extracts the task id from pueue's add output
func ParseSubmitResponse(out string) (int64, error) {
	m := submitIDRe.FindStringSubmatch(out)
	if m == nil {
		return 0, faults.Newf("remote.submit", faults.Application,
			"no task id in submit response: %q", strings.TrimSpace(out))
	}
	return strconv.ParseInt(m[1], 10, 64)
}

// FindTaskByLabel looks up a task whose label starts with the given prefix.
// Returns nil when no such task exists; ErrUnreachable when the queue
// cannot be consulted.
func (e *Executor) FindTaskByLabel(ctx context.Context, labelPrefix string) (*TaskInfo, error) {
	snapshot, err := e.probe.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	if task, ok := snapshot.FindTaskByLabelPrefix(labelPrefix); ok {
		return &task, nil
	}
	return nil, nil
}

// PollTaskStatus returns the mapped status of a remote task
func (e *Executor) PollTaskStatus(ctx context.Context, taskID int64) (types.TaskStatus, error) {
	snapshot, err := e.probe.QueueStatus(ctx)
	if err != nil {
		return types.TaskStatusUnreachable, err
	}
	return snapshot.TaskStatus(taskID), nil
}

// KillTask kills a remote task. Returns false when the kill did not land;
// the caller decides whether the GPU becomes a zombie.
func (e *Executor) KillTask(ctx context.Context, taskID int64) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmd := fmt.Sprintf("%s kill %d", e.cfg.PueueCommand, taskID)
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("kill", "error").Inc()
		return false
	}
	if res.ExitCode != 0 {
		metrics.RemoteOperationsTotal.WithLabelValues("kill", "error").Inc()
		e.logger.Warn().Int64("task_id", taskID).Int("exit", res.ExitCode).Msg("kill failed")
		return false
	}
	metrics.RemoteOperationsTotal.WithLabelValues("kill", "success").Inc()
	return true
}

// DownloadResults transfers the raw dose directory into local_dir/raw_output
// and returns the extracted file paths
func (e *Executor) DownloadResults(ctx context.Context, remoteDir, localDir string) ([]string, error) {
	remoteDir = NormalizeRemotePath(remoteDir)
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	var buf bytes.Buffer
	cmd := fmt.Sprintf("tar -cf - -C %s .", shellQuote(remoteDir))
	res, err := e.runner.RunStream(ctx, cmd, nil, &buf)
	timer.ObserveDuration(metrics.RemoteOperationDuration.WithLabelValues("download"))
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("download", "error").Inc()
		return nil, err
	}
	if res.ExitCode != 0 {
		metrics.RemoteOperationsTotal.WithLabelValues("download", "error").Inc()
		return nil, faults.New("remote.download",
			faults.ClassifyExit(res.ExitCode, res.Stderr),
			fmt.Errorf("download from %s exited %d: %s", remoteDir, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	files, err := untarInto(&buf, filepath.Join(localDir, "raw_output"))
	if err != nil {
		metrics.RemoteOperationsTotal.WithLabelValues("download", "error").Inc()
		return nil, faults.New("remote.download", faults.System, err)
	}
	metrics.RemoteOperationsTotal.WithLabelValues("download", "success").Inc()
	return files, nil
}
