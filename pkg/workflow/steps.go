package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mqic/communicator/pkg/faults"
	"github.com/mqic/communicator/pkg/local"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/tps"
	"github.com/mqic/communicator/pkg/types"
)

// planInfoFile is written by the interpreter next to its other outputs
const planInfoFile = "plan_info.json"

// progressWriter forwards tool progress markers into the log
type progressWriter struct {
	caseID int64
}

func (p progressWriter) OnStatus(text string) {
	logger := log.WithCaseID(p.caseID)
	logger.Info().Str("tool_status", text).Msg("tool status")
}

func (p progressWriter) OnProgress(percent int) {
	// Tool-local percent, not the pipeline progress; log only.
	logger := log.WithCaseID(p.caseID)
	logger.Debug().Int("percent", percent).Msg("tool progress")
}

func (p progressWriter) OnSubtask(text string) {
	logger := log.WithCaseID(p.caseID)
	logger.Debug().Str("subtask", text).Msg("tool subtask")
}

// preprocess runs the interpreter over the case directory
func (e *Engine) preprocess(ctx context.Context, state runState) (runState, error) {
	script := e.opts.Tools.InterpreterPath
	if script == "" {
		return state, faults.Newf("workflow.preprocess", faults.Configuration,
			"local_tools.interpreter_path is not configured")
	}
	casePath := state.Case.Path
	cmd := local.Command{
		Executable: e.opts.Tools.PythonCommand,
		Args:       []string{script, "--logdir", casePath, "--outputdir", casePath},
		WorkDir:    casePath,
		InputDir:   casePath,
	}
	if _, err := e.local.Run(ctx, cmd, progressWriter{caseID: state.Case.ID}); err != nil {
		return state, err
	}
	state.Plan = LoadPlanInfo(casePath)
	return state, nil
}

// generateTPS builds the simulation parameter file content in memory
func (e *Engine) generateTPS(state runState) (runState, error) {
	if state.Plan == nil {
		state.Plan = LoadPlanInfo(state.Case.Path)
	}
	if err := e.buildTPS(&state); err != nil {
		return state, err
	}
	return state, nil
}

func (e *Engine) buildTPS(state *runState) error {
	name := state.Case.Name()
	if state.Plan == nil {
		state.Plan = LoadPlanInfo(state.Case.Path)
	}
	params := tps.Params{
		CaseName:    name,
		GpuGroup:    state.Case.PueueGroup,
		DicomDir:    remoteJoin(e.opts.RemoteBaseDir, name),
		LogFilePath: remoteJoin(e.opts.InterpreterOutputsDir, name),
		ParentDir:   remoteJoin(e.opts.InterpreterOutputsDir, name),
		OutputDir:   remoteJoin(e.opts.OutputsDir, name),
	}
	content, err := tps.Generate(params, state.Plan, e.opts.TPSDefaults)
	if err != nil {
		return err
	}
	state.TPS = content
	return nil
}

// upload creates the per-attempt remote directories and pushes the case
// tree plus the generated parameter file
func (e *Engine) upload(ctx context.Context, state runState) (runState, error) {
	if len(state.TPS) == 0 {
		if err := e.buildTPS(&state); err != nil {
			return state, err
		}
	}
	dirs, err := e.remote.EnsureRemoteDirs(ctx, state.Case.Name(), state.RunID)
	if err != nil {
		return state, err
	}
	state.Dirs = dirs
	if err := e.remote.UploadCaseDir(ctx, state.Case.Path, dirs.CaseDir); err != nil {
		return state, err
	}
	if err := e.remote.UploadTPSFile(ctx, state.TPS, dirs.CaseDir+"/"+tps.FileName); err != nil {
		return state, err
	}
	return state, nil
}

// submit enqueues the simulation under the case's labeled identity
func (e *Engine) submit(ctx context.Context, state runState) (runState, error) {
	if state.Dirs.CaseDir == "" {
		return state, faults.Newf("workflow.submit", faults.Application,
			"no uploaded remote directory for case %d", state.Case.ID)
	}
	if state.Case.PueueGroup == "" {
		return state, faults.Newf("workflow.submit", faults.Configuration,
			"case %d has no assigned gpu group", state.Case.ID)
	}
	label := remote.NewLabel(state.Case.ID)
	taskID, err := e.remote.SubmitJob(ctx, state.Dirs.CaseDir, state.Case.PueueGroup, label)
	if err != nil {
		return state, err
	}
	if err := e.store.UpdateCaseRemoteTask(state.Case.ID, &taskID); err != nil {
		return state, err
	}
	state.Case.PueueTaskID = &taskID
	return state, nil
}

// poll waits for the remote task to reach a terminal state
func (e *Engine) poll(ctx context.Context, state runState) (runState, error) {
	if state.Case.PueueTaskID == nil {
		return state, faults.Newf("workflow.poll", faults.Application,
			"case %d has no remote task id", state.Case.ID)
	}
	taskID := *state.Case.PueueTaskID
	logger := log.WithCaseID(state.Case.ID)

	for {
		status, err := e.remote.PollTaskStatus(ctx, taskID)
		switch status {
		case types.TaskStatusSuccess:
			return state, nil
		case types.TaskStatusFailure:
			return state, faults.Newf("workflow.poll", faults.Application,
				"remote task %d failed", taskID)
		case types.TaskStatusNotFound:
			return state, faults.Newf("workflow.poll", faults.Application,
				"remote task %d disappeared from the queue", taskID)
		case types.TaskStatusUnreachable:
			logger.Warn().Err(err).Int64("task_id", taskID).Msg("queue unreachable, will poll again")
		}
		if serr := e.sleep(ctx, e.opts.PollingInterval); serr != nil {
			return state, faults.New("workflow.poll", faults.System,
				fmt.Errorf("polling task %d: %w", taskID, serr))
		}
	}
}

// download pulls the raw dose directory into <case>/raw_output
func (e *Engine) download(ctx context.Context, state runState) (runState, error) {
	rawDir := state.Dirs.RawDir
	if rawDir == "" {
		rawDir = e.remote.Dirs(state.Case.Name(), state.RunID).RawDir
	}
	files, err := e.remote.DownloadResults(ctx, rawDir, state.Case.Path)
	if err != nil {
		return state, err
	}
	if len(files) == 0 {
		return state, faults.Newf("workflow.download", faults.Application,
			"no result files in %s", rawDir)
	}
	return state, nil
}

// postprocess converts the downloaded raw doses to DICOM
func (e *Engine) postprocess(ctx context.Context, state runState) (runState, error) {
	script := e.opts.Tools.Raw2DcmPath
	if script == "" {
		return state, faults.Newf("workflow.postprocess", faults.Configuration,
			"local_tools.raw2dcm_path is not configured")
	}
	rawDir := filepath.Join(state.Case.Path, "raw_output")
	if err := requireRawFiles(rawDir); err != nil {
		return state, err
	}
	outDir := filepath.Join(state.Case.Path, "final_dcm")
	cmd := local.Command{
		Executable: e.opts.Tools.PythonCommand,
		Args:       []string{script, "--input", rawDir, "--output", outDir},
		WorkDir:    state.Case.Path,
		InputDir:   rawDir,
		OutputDirs: []string{outDir},
	}
	if _, err := e.local.Run(ctx, cmd, progressWriter{caseID: state.Case.ID}); err != nil {
		return state, err
	}
	return state, nil
}

func requireRawFiles(rawDir string) error {
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return faults.New("workflow.postprocess", faults.Application,
			fmt.Errorf("raw output dir: %w", err))
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".raw") {
			return nil
		}
	}
	return faults.Newf("workflow.postprocess", faults.Application,
		"no .raw files in %s", rawDir)
}

// LoadPlanInfo reads the plan summary the interpreter leaves behind.
// A missing or unreadable file means no plan overrides.
func LoadPlanInfo(casePath string) *types.PlanInfo {
	data, err := os.ReadFile(filepath.Join(casePath, "intermediate", planInfoFile))
	if err != nil {
		return nil
	}
	var plan types.PlanInfo
	if err := json.Unmarshal(data, &plan); err != nil {
		logger := log.WithComponent("workflow")
		logger.Warn().Err(err).Str("path", casePath).Msg("malformed plan info file")
		return nil
	}
	return &plan
}

func remoteJoin(base, name string) string {
	return remote.NormalizeRemotePath(strings.TrimSuffix(base, "/") + "/" + name)
}
