package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

// Engine is the per-case workflow runner the pool drives
type Engine interface {
	Run(ctx context.Context, c *types.Case) error
}

// Pool executes case workflows with bounded concurrency
type Pool struct {
	store   storage.Store
	engine  Engine
	broker  *events.Broker
	timeout time.Duration
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]bool
	stats    statsState
}

type statsState struct {
	total         int
	succeeded     int
	failed        int
	abandoned     int
	peak          int
	totalDuration time.Duration
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Active          int           `json:"active"`
	Total           int           `json:"total_processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Abandoned       int           `json:"abandoned"`
	PeakConcurrency int           `json:"peak_concurrency"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
}

// NewPool creates a worker pool with the given concurrency bound and
// per-case processing deadline
func NewPool(store storage.Store, engine Engine, broker *events.Broker, maxWorkers int, timeout time.Duration) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		store:    store,
		engine:   engine,
		broker:   broker,
		timeout:  timeout,
		logger:   log.WithComponent("worker"),
		sem:      make(chan struct{}, maxWorkers),
		inFlight: make(map[int64]bool),
	}
}

// TryDispatch hands a case to a free worker. Returns false when the
// case is already in flight or every slot is taken.
func (p *Pool) TryDispatch(ctx context.Context, c *types.Case) bool {
	p.mu.Lock()
	if p.inFlight[c.ID] {
		p.mu.Unlock()
		return false
	}
	select {
	case p.sem <- struct{}{}:
	default:
		p.mu.Unlock()
		return false
	}
	p.inFlight[c.ID] = true
	if active := len(p.inFlight); active > p.stats.peak {
		p.stats.peak = active
	}
	p.mu.Unlock()

	metrics.WorkersActive.Inc()
	metrics.CaseWaitSeconds.Observe(c.WaitTime(time.Now()).Seconds())

	p.wg.Add(1)
	go p.run(ctx, c)
	return true
}

// InFlight reports whether the case is currently being processed
func (p *Pool) InFlight(caseID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[caseID]
}

// ActiveCount returns the number of cases being processed
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Wait blocks until every in-flight case has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, c *types.Case) {
	defer p.wg.Done()
	start := time.Now()

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := p.engine.Run(runCtx, c)
	if err != nil && interrupted(runCtx, err) {
		p.abandon(c, err, time.Since(start))
	} else {
		p.finalize(c, err, time.Since(start))
	}

	p.mu.Lock()
	delete(p.inFlight, c.ID)
	p.mu.Unlock()
	<-p.sem
	metrics.WorkersActive.Dec()
}

// interrupted reports whether the run ended because its context did,
// from the per-case deadline or a shutdown cancel
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// abandon leaves an interrupted case untouched. Its persisted status
// and GPU lock stay in place for the supervisor sweep, which polls the
// remote task and kills, releases, or marks the group zombie. Releasing
// here would hand the group to a new case while the old task may still
// hold the device.
func (p *Pool) abandon(c *types.Case, runErr error, elapsed time.Duration) {
	p.mu.Lock()
	p.stats.abandoned++
	p.mu.Unlock()

	metrics.CasesProcessedTotal.WithLabelValues("abandoned").Inc()
	p.logger.Warn().Int64("case_id", c.ID).Dur("elapsed", elapsed).Err(runErr).
		Msg("run interrupted, leaving case for supervisor recovery")
}

func (p *Pool) finalize(c *types.Case, runErr error, elapsed time.Duration) {
	success := runErr == nil
	logger := p.logger.With().Int64("case_id", c.ID).Dur("elapsed", elapsed).Logger()

	if err := p.store.UpdateCaseCompletion(c.ID, success); err != nil {
		logger.Error().Err(err).Msg("completion write failed")
	}
	p.releaseGpu(c, logger)

	p.mu.Lock()
	p.stats.total++
	p.stats.totalDuration += elapsed
	if success {
		p.stats.succeeded++
	} else {
		p.stats.failed++
	}
	p.mu.Unlock()

	if success {
		metrics.CasesProcessedTotal.WithLabelValues("success").Inc()
		p.publish(events.EventCaseCompleted, c, "case completed")
		logger.Info().Msg("case completed")
	} else {
		metrics.CasesProcessedTotal.WithLabelValues("failure").Inc()
		p.publish(events.EventCaseFailed, c, fmt.Sprintf("case failed: %v", runErr))
		logger.Error().Err(runErr).Msg("case failed")
	}
}

// releaseGpu frees the case's GPU lock. A zombie lock stays put until
// the supervisor reclaims the remote task behind it.
func (p *Pool) releaseGpu(c *types.Case, logger zerolog.Logger) {
	gpu, err := p.store.GetGpuByCase(c.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Msg("gpu lookup failed")
		}
		return
	}
	if gpu.Status == types.GpuStatusZombie {
		logger.Warn().Str("group", gpu.PueueGroup).Msg("gpu is zombie, leaving lock in place")
		return
	}
	if err := p.store.ReleaseGpu(gpu.PueueGroup); err != nil {
		logger.Error().Err(err).Str("group", gpu.PueueGroup).Msg("gpu release failed")
		return
	}
	p.publish(events.EventGpuReleased, c, "gpu released: "+gpu.PueueGroup)
}

func (p *Pool) publish(eventType events.EventType, c *types.Case, msg string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  msg,
		Metadata: map[string]string{"case_id": strconv.FormatInt(c.ID, 10)},
	})
}

// Snapshot returns the pool counters
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Active:          len(p.inFlight),
		Total:           p.stats.total,
		Succeeded:       p.stats.succeeded,
		Failed:          p.stats.failed,
		Abandoned:       p.stats.abandoned,
		PeakConcurrency: p.stats.peak,
	}
	if p.stats.total > 0 {
		s.AverageDuration = p.stats.totalDuration / time.Duration(p.stats.total)
		s.SuccessRate = float64(p.stats.succeeded) / float64(p.stats.total)
	}
	return s
}
