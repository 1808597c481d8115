package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/config"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/types"
)

const (
	agingStarvationBoost = 2.0
	weightedWaitFactor   = 0.05
)

// Scheduler orders pending cases for dispatch
type Scheduler struct {
	cfg    config.SchedulingConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	metrics metricsState
}

// metricsState counts each case once, no matter how many ticks it sits
// in the pending queue before a GPU frees up.
type metricsState struct {
	scheduledByPriority map[string]int
	totalWaitByPriority map[string]time.Duration
	starvationPrevented int
	countedCases        map[int64]bool
	starvedCases        map[int64]bool
}

// MetricsSnapshot is a point-in-time view of scheduling counters
type MetricsSnapshot struct {
	ScheduledByPriority map[string]int           `json:"scheduled_by_priority"`
	AverageWait         map[string]time.Duration `json:"average_wait"`
	StarvationPrevented int                      `json:"starvation_prevented"`
}

// New creates a scheduler with the configured strategy
func New(cfg config.SchedulingConfig) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		now:    time.Now,
		metrics: metricsState{
			scheduledByPriority: make(map[string]int),
			totalWaitByPriority: make(map[string]time.Duration),
			countedCases:        make(map[int64]bool),
			starvedCases:        make(map[int64]bool),
		},
	}
}

// Schedule orders the pending cases and returns at most limit of them.
// An empty input returns empty without touching the counters.
func (s *Scheduler) Schedule(cases []*types.Case, limit int) []*types.Case {
	if len(cases) == 0 {
		return nil
	}

	now := s.now()
	ordered := make([]*types.Case, len(cases))
	copy(ordered, cases)

	switch s.cfg.Algorithm {
	case "strict":
		s.orderStrict(ordered)
	case "aging":
		s.orderByScore(ordered, func(c *types.Case) float64 { return s.agingScore(c, now) })
	case "weighted_fair":
		s.orderByScore(ordered, func(c *types.Case) float64 { return s.weightedScore(c, now) })
	case "basic":
		s.orderStrict(ordered)
	default:
		s.logger.Warn().Str("algorithm", s.cfg.Algorithm).Msg("unknown strategy, using basic ordering")
		s.orderStrict(ordered)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	s.record(ordered, now)
	return ordered
}

func (s *Scheduler) orderStrict(cases []*types.Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		pi, pj := normalizePriority(cases[i].Priority), normalizePriority(cases[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

func (s *Scheduler) orderByScore(cases []*types.Case, score func(*types.Case) float64) {
	scores := make(map[int64]float64, len(cases))
	for _, c := range cases {
		scores[c.ID] = score(c)
	}
	sort.SliceStable(cases, func(i, j int) bool {
		si, sj := scores[cases[i].ID], scores[cases[j].ID]
		if si != sj {
			return si > sj
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

// agingScore boosts the base priority level per waiting hour
func (s *Scheduler) agingScore(c *types.Case, now time.Time) float64 {
	base := normalizePriority(c.Priority)
	wait := c.WaitTime(now)
	score := float64(base) + s.cfg.AgingFactor*wait.Hours()
	if base <= types.PriorityNormal && s.starving(wait) {
		score += agingStarvationBoost
		s.bumpStarvation(c.ID)
	}
	return score
}

// weightedScore implements weighted fair queuing over priority weights
func (s *Scheduler) weightedScore(c *types.Case, now time.Time) float64 {
	wait := c.WaitTime(now)
	score := normalizePriority(c.Priority).Weight() * (1 + weightedWaitFactor*wait.Hours())
	if s.starving(wait) {
		score *= 2
		s.bumpStarvation(c.ID)
	}
	return score
}

func (s *Scheduler) starving(wait time.Duration) bool {
	threshold := s.cfg.StarvationThreshold()
	return threshold > 0 && wait > threshold
}

func (s *Scheduler) bumpStarvation(caseID int64) {
	s.mu.Lock()
	if !s.metrics.starvedCases[caseID] {
		s.metrics.starvedCases[caseID] = true
		s.metrics.starvationPrevented++
	}
	s.mu.Unlock()
}

func normalizePriority(p types.Priority) types.Priority {
	if p < types.PriorityLow || p > types.PriorityCritical {
		return types.PriorityNormal
	}
	return p
}

func (s *Scheduler) record(selected []*types.Case, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range selected {
		if s.metrics.countedCases[c.ID] {
			continue
		}
		s.metrics.countedCases[c.ID] = true
		name := normalizePriority(c.Priority).String()
		s.metrics.scheduledByPriority[name]++
		s.metrics.totalWaitByPriority[name] += c.WaitTime(now)
	}
}

// Metrics returns a snapshot of the scheduling counters
func (s *Scheduler) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := MetricsSnapshot{
		ScheduledByPriority: make(map[string]int, len(s.metrics.scheduledByPriority)),
		AverageWait:         make(map[string]time.Duration, len(s.metrics.totalWaitByPriority)),
		StarvationPrevented: s.metrics.starvationPrevented,
	}
	for name, count := range s.metrics.scheduledByPriority {
		snapshot.ScheduledByPriority[name] = count
		if count > 0 {
			snapshot.AverageWait[name] = s.metrics.totalWaitByPriority[name] / time.Duration(count)
		}
	}
	return snapshot
}
