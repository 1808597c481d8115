package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/config"
	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/faults"
	"github.com/mqic/communicator/pkg/local"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

// RemoteExecutor is the remote surface the engine drives
type RemoteExecutor interface {
	Dirs(caseName, runID string) remote.RemoteDirs
	EnsureRemoteDirs(ctx context.Context, caseName, runID string) (remote.RemoteDirs, error)
	UploadTPSFile(ctx context.Context, content []byte, remotePath string) error
	UploadCaseDir(ctx context.Context, localDir, remoteDir string) error
	SubmitJob(ctx context.Context, remoteDir, group, label string) (int64, error)
	PollTaskStatus(ctx context.Context, taskID int64) (types.TaskStatus, error)
	DownloadResults(ctx context.Context, remoteDir, localDir string) ([]string, error)
}

// LocalExecutor runs the two local transformation tools
type LocalExecutor interface {
	Run(ctx context.Context, cmd local.Command, sink local.ProgressSink) (*local.Result, error)
}

// Options tunes the engine
type Options struct {
	Steps           []config.StepConfig
	Tools           config.LocalToolsConfig
	TPSDefaults     map[string]string
	PollingInterval time.Duration

	// Remote directory bases used to derive TPS parameter paths
	RemoteBaseDir         string
	InterpreterOutputsDir string
	OutputsDir            string
}

// Engine executes the step pipeline for one case at a time
type Engine struct {
	store  storage.Store
	remote RemoteExecutor
	local  LocalExecutor
	broker *events.Broker
	opts   Options

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a workflow engine
func New(store storage.Store, rem RemoteExecutor, loc LocalExecutor, broker *events.Broker, opts Options) *Engine {
	if len(opts.Steps) == 0 {
		opts.Steps = config.DefaultWorkflow()
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 30 * time.Second
	}
	return &Engine{
		store:  store,
		remote: rem,
		local:  loc,
		broker: broker,
		opts:   opts,
		sleep:  ctxSleep,
	}
}

// runState is the per-case context threaded through the steps. Steps
// receive it by value and return an updated copy.
type runState struct {
	Case  *types.Case
	RunID string
	Dirs  remote.RemoteDirs
	Plan  *types.PlanInfo
	TPS   []byte
}

// StartIndex determines where a case resumes in the step list. The
// highest step whose on-success status matches the current status is
// considered done; a status matching an on-failure or on-start status
// restarts that step.
func StartIndex(steps []config.StepConfig, status types.CaseStatus) int {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].OnSuccessStatus == status {
			return i + 1
		}
	}
	for i, step := range steps {
		if step.OnFailureStatus == status || step.OnStartStatus == status {
			return i
		}
	}
	return 0
}

// Run drives the case from its current status to a terminal outcome.
// A nil return means every remaining step succeeded.
func (e *Engine) Run(ctx context.Context, c *types.Case) error {
	logger := log.WithCaseID(c.ID)
	start := StartIndex(e.opts.Steps, c.Status)
	if start >= len(e.opts.Steps) {
		logger.Info().Str("status", string(c.Status)).Msg("no steps remain")
		return nil
	}

	state := runState{Case: c}
	if err := e.prepare(ctx, &state, start); err != nil {
		if !interrupted(ctx, err) {
			e.fail(logger, state, e.opts.Steps[start], err)
		}
		return err
	}

	e.publish(events.EventCaseStarted, c, fmt.Sprintf("processing from step %s", e.opts.Steps[start].Name))
	for i := start; i < len(e.opts.Steps); i++ {
		step := e.opts.Steps[i]
		next, err := e.runStep(ctx, logger, state, step)
		if err != nil {
			return err
		}
		state = next
	}
	return nil
}

// prepare rebuilds in-memory state a resumed case needs: the TPS blob
// when resuming past generation, and the upload run id when resuming
// past the upload.
func (e *Engine) prepare(ctx context.Context, state *runState, start int) error {
	if idx := e.indexOfTarget("generate_tps"); idx >= 0 && start > idx {
		if err := e.buildTPS(state); err != nil {
			return err
		}
	}
	if idx := e.indexOfTarget("upload"); idx >= 0 && start > idx {
		runID, err := e.lastUploadRunID(state.Case.ID)
		if err != nil {
			return err
		}
		if runID != "" {
			state.RunID = runID
			state.Dirs = e.remote.Dirs(state.Case.Name(), runID)
		}
	}
	return nil
}

func (e *Engine) indexOfTarget(target string) int {
	for i, step := range e.opts.Steps {
		if step.Target == target {
			return i
		}
	}
	return -1
}

// lastUploadRunID recovers the run id of the newest completed upload
// attempt from the step audit log
func (e *Engine) lastUploadRunID(caseID int64) (string, error) {
	records, err := e.store.ListWorkflowSteps(caseID)
	if err != nil {
		return "", err
	}
	runID := ""
	for _, rec := range records {
		if rec.Step == "upload" && rec.Outcome == types.StepOutcomeCompleted {
			runID = rec.RunID
		}
	}
	return runID, nil
}

func (e *Engine) runStep(ctx context.Context, logger zerolog.Logger, state runState, step config.StepConfig) (runState, error) {
	attempts := step.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state.RunID = newRunID()
		stepLogger := logger.With().Str("step", step.Name).Str("run_id", state.RunID).Int("attempt", attempt).Logger()

		rec := &types.WorkflowStepRecord{
			ID:        uuid.New().String(),
			CaseID:    state.Case.ID,
			Step:      step.Name,
			RunID:     state.RunID,
			Attempt:   attempt,
			Outcome:   types.StepOutcomeStarted,
			StartedAt: time.Now(),
		}
		if err := e.store.RecordWorkflowStep(rec); err != nil {
			stepLogger.Warn().Err(err).Msg("step record write failed")
		}
		if err := e.store.UpdateCaseStatus(state.Case.ID, step.OnStartStatus, -1); err != nil {
			return state, err
		}
		state.Case.Status = step.OnStartStatus

		timer := metrics.NewTimer()
		next, err := e.invoke(ctx, state, step)
		timer.ObserveDuration(metrics.StepDuration.WithLabelValues(step.Name))

		finished := time.Now()
		if err == nil {
			e.recordOutcome(rec, types.StepOutcomeCompleted, "", finished)
			if err := e.store.UpdateCaseStatus(state.Case.ID, step.OnSuccessStatus, step.Progress); err != nil {
				return next, err
			}
			next.Case.Status = step.OnSuccessStatus
			next.Case.Progress = step.Progress
			e.publish(events.EventCaseStep, next.Case, fmt.Sprintf("step %s completed", step.Name))
			stepLogger.Info().Msg("step completed")
			return next, nil
		}

		e.recordOutcome(rec, types.StepOutcomeFailed, err.Error(), finished)
		lastErr = err
		if attempt < attempts && retryAllowed(step.Retry, err) {
			stepLogger.Warn().Err(err).Dur("delay", step.Retry.Delay()).Msg("step failed, retrying")
			metrics.StepRetriesTotal.WithLabelValues(step.Name).Inc()
			if serr := e.sleep(ctx, step.Retry.Delay()); serr != nil {
				lastErr = faults.New("workflow."+step.Target, faults.System, serr)
				break
			}
			continue
		}
		break
	}

	if interrupted(ctx, lastErr) {
		logger.Warn().Str("step", step.Name).Err(lastErr).Msg("run interrupted, leaving case for recovery")
		return state, lastErr
	}
	e.fail(logger, state, step, lastErr)
	return state, lastErr
}

// interrupted distinguishes a run cut short by its context from a
// genuine step failure. Interrupted cases keep their persisted status
// so the supervisor sweep can recover them.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) fail(logger zerolog.Logger, state runState, step config.StepConfig, err error) {
	failStatus := step.OnFailureStatus
	if failStatus == "" {
		failStatus = types.CaseStatusFailed
	}
	if uerr := e.store.UpdateCaseError(state.Case.ID, err.Error()); uerr != nil {
		logger.Warn().Err(uerr).Msg("error message write failed")
	}
	if uerr := e.store.UpdateCaseStatus(state.Case.ID, failStatus, -1); uerr != nil {
		logger.Warn().Err(uerr).Msg("failure status write failed")
	}
	state.Case.Status = failStatus
	e.publish(events.EventCaseFailed, state.Case, fmt.Sprintf("step %s failed: %v", step.Name, err))
	logger.Error().Err(err).Str("step", step.Name).Str("category", string(faults.CategoryOf(err))).Msg("step failed permanently")
}

// invoke dispatches one step attempt. A panic inside a target is folded
// into a non-retryable application fault.
func (e *Engine) invoke(ctx context.Context, state runState, step config.StepConfig) (out runState, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = state
			err = faults.Newf("workflow."+step.Target, faults.Application, "panic in step %s: %v", step.Name, r)
		}
	}()

	switch step.Target {
	case "preprocess":
		return e.preprocess(ctx, state)
	case "generate_tps", "generate-tps":
		return e.generateTPS(state)
	case "upload":
		return e.upload(ctx, state)
	case "submit":
		return e.submit(ctx, state)
	case "poll":
		return e.poll(ctx, state)
	case "download":
		return e.download(ctx, state)
	case "postprocess":
		return e.postprocess(ctx, state)
	default:
		return state, faults.Newf("workflow.step", faults.Configuration,
			"unknown step target %q", step.Target)
	}
}

func (e *Engine) recordOutcome(rec *types.WorkflowStepRecord, outcome types.StepOutcome, errMsg string, finished time.Time) {
	done := *rec
	done.ID = uuid.New().String()
	done.Outcome = outcome
	done.Error = errMsg
	done.FinishedAt = &finished
	if err := e.store.RecordWorkflowStep(&done); err != nil {
		logger := log.WithCaseID(rec.CaseID)
		logger.Warn().Err(err).Msg("step record write failed")
	}
}

func (e *Engine) publish(eventType events.EventType, c *types.Case, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    eventType,
		Message: msg,
		Metadata: map[string]string{
			"case_id": strconv.FormatInt(c.ID, 10),
			"status":  string(c.Status),
		},
	})
}

// retryAllowed checks the error category against the retry policy. An
// empty category list retries any failure.
func retryAllowed(policy config.RetryConfig, err error) bool {
	if len(policy.On) == 0 {
		return true
	}
	category := string(faults.CategoryOf(err))
	for _, allowed := range policy.On {
		if allowed == category {
			return true
		}
	}
	return false
}

func newRunID() string {
	return uuid.New().String()[:8]
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
