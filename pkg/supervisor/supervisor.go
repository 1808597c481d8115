package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/config"
	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

// recoveredProgress is the pipeline progress of a case whose submission
// turned out to have landed before the crash
const recoveredProgress = 30

// RemoteTasks is the slice of the remote executor the supervisor needs
type RemoteTasks interface {
	FindTaskByLabel(ctx context.Context, labelPrefix string) (*remote.TaskInfo, error)
	PollTaskStatus(ctx context.Context, taskID int64) (types.TaskStatus, error)
	KillTask(ctx context.Context, taskID int64) bool
}

// Dispatcher is the worker pool surface the supervisor drives
type Dispatcher interface {
	TryDispatch(ctx context.Context, c *types.Case) bool
	InFlight(caseID int64) bool
}

// Scheduler orders pending cases for dispatch
type Scheduler interface {
	Schedule(cases []*types.Case, limit int) []*types.Case
}

// GpuManager reconciles and selects GPU groups
type GpuManager interface {
	Refresh(ctx context.Context) error
	ChooseOptimal() (string, bool)
}

// Supervisor runs the tick loop
type Supervisor struct {
	store  storage.Store
	tasks  RemoteTasks
	pool   Dispatcher
	sched  Scheduler
	gpus   GpuManager
	broker *events.Broker
	cfg    config.MainLoopConfig
	logger zerolog.Logger

	iteration int
	now       func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a supervisor
func New(store storage.Store, tasks RemoteTasks, pool Dispatcher, sched Scheduler, gpus GpuManager, broker *events.Broker, cfg config.MainLoopConfig) *Supervisor {
	if cfg.GpuRefreshIntervalIteration < 1 {
		cfg.GpuRefreshIntervalIteration = 1
	}
	return &Supervisor{
		store:  store,
		tasks:  tasks,
		pool:   pool,
		sched:  sched,
		gpus:   gpus,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("supervisor"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the tick loop
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the loop and waits for the current tick to finish
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.SleepInterval())
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one full supervision cycle
func (s *Supervisor) Tick(ctx context.Context) {
	metrics.SupervisorTicksTotal.Inc()

	if s.iteration%s.cfg.GpuRefreshIntervalIteration == 0 {
		s.runPhase(ctx, "gpu_refresh", s.refreshGpus)
	}
	s.iteration++

	s.runPhase(ctx, "recover_submitting", s.recoverSubmitting)
	s.runPhase(ctx, "manage_running", s.manageRunning)
	s.runPhase(ctx, "reclaim_zombies", s.reclaimZombies)
	s.runPhase(ctx, "resume_interrupted", s.resumeInterrupted)
	s.runPhase(ctx, "dispatch", s.dispatch)
}

// runPhase isolates one phase: an error or panic is logged and counted,
// and the remaining phases still run.
func (s *Supervisor) runPhase(ctx context.Context, name string, phase func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SupervisorPhaseErrors.WithLabelValues(name).Inc()
			s.logger.Error().Str("phase", name).Interface("panic", r).Msg("phase panicked")
		}
	}()
	if err := phase(ctx); err != nil {
		metrics.SupervisorPhaseErrors.WithLabelValues(name).Inc()
		s.logger.Error().Err(err).Str("phase", name).Msg("phase failed")
	}
}

func (s *Supervisor) refreshGpus(ctx context.Context) error {
	return s.gpus.Refresh(ctx)
}

// recoverSubmitting resolves cases caught between job submission and
// the database write that records the task id
func (s *Supervisor) recoverSubmitting(ctx context.Context) error {
	cases, err := s.store.ListCasesByStatus(types.CaseStatusSubmitting)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if s.pool.InFlight(c.ID) {
			continue
		}
		logger := log.WithCaseID(c.ID)
		task, err := s.tasks.FindTaskByLabel(ctx, remote.LabelPrefix(c.ID))
		if err != nil {
			logger.Warn().Err(err).Msg("queue unreachable, deferring recovery")
			continue
		}
		if task == nil {
			logger.Warn().Msg("submission never landed, failing case")
			s.failAndRelease(c, "submission lost during crash")
			continue
		}
		if err := s.store.UpdateCaseRemoteTask(c.ID, &task.ID); err != nil {
			logger.Error().Err(err).Msg("task id write failed")
			continue
		}
		if err := s.store.UpdateCaseStatus(c.ID, types.CaseStatusRunning, recoveredProgress); err != nil {
			logger.Error().Err(err).Msg("status write failed")
			continue
		}
		s.publish(events.EventCaseRecovered, c.ID, fmt.Sprintf("recovered with remote task %d", task.ID))
		logger.Info().Int64("task_id", task.ID).Msg("case recovered into running")
	}
	return nil
}

// manageRunning enforces the running timeout and folds terminal remote
// results into the store for cases no worker currently owns
func (s *Supervisor) manageRunning(ctx context.Context) error {
	cases, err := s.store.ListCasesByStatus(types.CaseStatusRunning)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if s.pool.InFlight(c.ID) {
			continue
		}
		logger := log.WithCaseID(c.ID)

		if c.PueueTaskID == nil {
			logger.Warn().Msg("running case has no task id, failing")
			s.failAndRelease(c, "running case lost its remote task id")
			continue
		}
		taskID := *c.PueueTaskID

		if age := s.now().Sub(c.LastUpdated); age > s.cfg.RunningCaseTimeout() {
			s.timeOutCase(ctx, c, taskID, age)
			continue
		}

		status, err := s.tasks.PollTaskStatus(ctx, taskID)
		switch status {
		case types.TaskStatusSuccess:
			s.completeCase(c, true)
		case types.TaskStatusFailure:
			s.failAndRelease(c, fmt.Sprintf("remote task %d failed", taskID))
		case types.TaskStatusNotFound:
			s.failAndRelease(c, fmt.Sprintf("remote task %d disappeared", taskID))
		case types.TaskStatusUnreachable:
			logger.Warn().Err(err).Msg("queue unreachable, deferring")
		}
	}
	return nil
}

func (s *Supervisor) timeOutCase(ctx context.Context, c *types.Case, taskID int64, age time.Duration) {
	logger := log.WithCaseID(c.ID)
	logger.Warn().Dur("age", age).Int64("task_id", taskID).Msg("running case timed out, killing remote task")

	if s.tasks.KillTask(ctx, taskID) {
		s.completeCase(c, false)
		s.publish(events.EventCaseTimedOut, c.ID, "timed out, remote task killed")
		return
	}

	// The remote job may still hold the device; the lock must not be
	// handed to another case until the kill lands.
	if err := s.store.UpdateCaseCompletion(c.ID, false); err != nil {
		logger.Error().Err(err).Msg("completion write failed")
	}
	if c.PueueGroup != "" {
		if err := s.store.SetGpuStatus(c.PueueGroup, types.GpuStatusZombie, &c.ID); err != nil {
			logger.Error().Err(err).Str("group", c.PueueGroup).Msg("zombie promotion failed")
		} else {
			s.publish(events.EventGpuZombie, c.ID, "gpu "+c.PueueGroup+" promoted to zombie")
			logger.Warn().Str("group", c.PueueGroup).Msg("kill failed, gpu promoted to zombie")
		}
	}
	s.publish(events.EventCaseTimedOut, c.ID, "timed out, kill failed")
}

// reclaimZombies retries the kill behind every zombie GPU row
func (s *Supervisor) reclaimZombies(ctx context.Context) error {
	zombies, err := s.store.ListGpusByStatus(types.GpuStatusZombie)
	if err != nil {
		return err
	}
	for _, gpu := range zombies {
		logger := log.WithGpuGroup(gpu.PueueGroup)

		taskID, ok := s.zombieTaskID(gpu)
		if ok && !s.tasks.KillTask(ctx, taskID) {
			logger.Warn().Int64("task_id", taskID).Msg("zombie kill failed, retrying next tick")
			continue
		}
		if err := s.store.SetGpuStatus(gpu.PueueGroup, types.GpuStatusAvailable, nil); err != nil {
			logger.Error().Err(err).Msg("zombie reset failed")
			continue
		}
		metrics.ZombiesReclaimedTotal.Inc()
		caseID := int64(0)
		if gpu.CaseID != nil {
			caseID = *gpu.CaseID
		}
		s.publish(events.EventGpuReclaimed, caseID, "gpu "+gpu.PueueGroup+" reclaimed")
		logger.Info().Msg("zombie gpu reclaimed")
	}
	return nil
}

// zombieTaskID resolves the remote task id a zombie row points at.
// A zombie with no traceable task has nothing left to kill.
func (s *Supervisor) zombieTaskID(gpu *types.GpuResource) (int64, bool) {
	if gpu.CaseID == nil {
		return 0, false
	}
	c, err := s.store.GetCase(*gpu.CaseID)
	if err != nil || c.PueueTaskID == nil {
		return 0, false
	}
	return *c.PueueTaskID, true
}

// resumableStatuses are the mid-pipeline states a shutdown, crash, or
// worker timeout can strand a case in. The submitting and running
// states have dedicated phases; everything else re-enters the workflow
// at the matching step.
var resumableStatuses = []types.CaseStatus{
	types.CaseStatusPreprocessing, types.CaseStatusPreprocessed,
	types.CaseStatusGeneratingTPS, types.CaseStatusTPSGenerated,
	types.CaseStatusUploading, types.CaseStatusUploaded,
	types.CaseStatusRemoteCompleted, types.CaseStatusDownloading,
	types.CaseStatusDownloaded, types.CaseStatusPostprocessing,
}

// resumeInterrupted redispatches cases no worker owns that were left
// mid-pipeline. A case usually still holds its GPU lock from the first
// dispatch; one is locked fresh only when the lock is gone.
func (s *Supervisor) resumeInterrupted(ctx context.Context) error {
	for _, status := range resumableStatuses {
		cases, err := s.store.ListCasesByStatus(status)
		if err != nil {
			return err
		}
		for _, c := range cases {
			if s.pool.InFlight(c.ID) {
				continue
			}
			logger := log.WithCaseID(c.ID)

			lockedHere := false
			gpu, err := s.store.GetGpuByCase(c.ID)
			switch {
			case err == nil:
				if gpu.Status == types.GpuStatusZombie {
					continue
				}
			case errors.Is(err, storage.ErrNotFound):
				gpu, err = s.store.FindAndLockAnyAvailableGpu(c.ID, nil)
				if err != nil {
					return err
				}
				if gpu == nil {
					s.logger.Debug().Msg("no gpu available, ending resume")
					return nil
				}
				lockedHere = true
			default:
				return err
			}

			c.PueueGroup = gpu.PueueGroup
			if !s.pool.TryDispatch(ctx, c) {
				if lockedHere {
					if rerr := s.store.ReleaseGpu(gpu.PueueGroup); rerr != nil {
						s.logger.Error().Err(rerr).Str("group", gpu.PueueGroup).Msg("gpu release failed")
					}
				}
				return nil
			}
			s.publish(events.EventCaseRecovered, c.ID, "interrupted case resumed")
			logger.Info().Str("status", string(c.Status)).Str("group", gpu.PueueGroup).Msg("interrupted case resumed")
		}
	}
	return nil
}

// dispatch hands scheduled pending cases to free GPUs and workers
func (s *Supervisor) dispatch(ctx context.Context) error {
	pending, err := s.store.ListCasesByStatus(types.CaseStatusSubmitted)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for _, c := range s.sched.Schedule(pending, s.cfg.BatchSize) {
		if s.pool.InFlight(c.ID) {
			continue
		}

		var preferred []string
		if group, ok := s.gpus.ChooseOptimal(); ok {
			preferred = []string{group}
		}
		gpu, err := s.store.FindAndLockAnyAvailableGpu(c.ID, preferred)
		if err != nil {
			return err
		}
		if gpu == nil {
			s.logger.Debug().Msg("no gpu available, ending dispatch")
			return nil
		}

		c.PueueGroup = gpu.PueueGroup
		s.publish(events.EventGpuAssigned, c.ID, "gpu "+gpu.PueueGroup+" assigned")
		if !s.pool.TryDispatch(ctx, c) {
			// Slot raced away; put the lock back and try again next tick.
			if err := s.store.ReleaseGpu(gpu.PueueGroup); err != nil {
				s.logger.Error().Err(err).Str("group", gpu.PueueGroup).Msg("gpu release failed")
			}
			return nil
		}
		logger := log.WithCaseID(c.ID)
		logger.Info().Str("group", gpu.PueueGroup).Str("priority", c.Priority.String()).Msg("case dispatched")
	}
	return nil
}

func (s *Supervisor) completeCase(c *types.Case, success bool) {
	logger := log.WithCaseID(c.ID)
	if err := s.store.UpdateCaseCompletion(c.ID, success); err != nil {
		logger.Error().Err(err).Msg("completion write failed")
	}
	s.release(c)
	if success {
		s.publish(events.EventCaseCompleted, c.ID, "remote task finished")
		logger.Info().Msg("case completed by supervisor sweep")
	}
}

func (s *Supervisor) failAndRelease(c *types.Case, reason string) {
	logger := log.WithCaseID(c.ID)
	if err := s.store.UpdateCaseError(c.ID, reason); err != nil {
		logger.Warn().Err(err).Msg("error message write failed")
	}
	if err := s.store.UpdateCaseCompletion(c.ID, false); err != nil {
		logger.Error().Err(err).Msg("completion write failed")
	}
	s.release(c)
	s.publish(events.EventCaseFailed, c.ID, reason)
}

func (s *Supervisor) release(c *types.Case) {
	if c.PueueGroup == "" {
		return
	}
	if err := s.store.ReleaseGpu(c.PueueGroup); err != nil {
		logger := log.WithCaseID(c.ID)
		logger.Error().Err(err).Str("group", c.PueueGroup).Msg("gpu release failed")
		return
	}
	s.publish(events.EventGpuReleased, c.ID, "gpu released: "+c.PueueGroup)
}

func (s *Supervisor) publish(eventType events.EventType, caseID int64, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  msg,
		Metadata: map[string]string{"case_id": strconv.FormatInt(caseID, 10)},
	})
}
