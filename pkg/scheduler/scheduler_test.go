package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/config"
	"github.com/mqic/communicator/pkg/types"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestScheduler(cfg config.SchedulingConfig) *Scheduler {
	s := New(cfg)
	s.now = func() time.Time { return testNow }
	return s
}

func testCase(id int64, priority types.Priority, waitHours float64) *types.Case {
	created := testNow.Add(-time.Duration(waitHours * float64(time.Hour)))
	return &types.Case{
		ID:        id,
		Status:    types.CaseStatusSubmitted,
		Priority:  priority,
		CreatedAt: created,
	}
}

func ids(cases []*types.Case) []int64 {
	out := make([]int64, len(cases))
	for i, c := range cases {
		out[i] = c.ID
	}
	return out
}

func TestStrictOrdering(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "strict"})

	// Same wait everywhere; priority alone decides.
	cases := []*types.Case{
		testCase(1, types.PriorityLow, 1),
		testCase(2, types.PriorityHigh, 1),
		testCase(3, types.PriorityNormal, 1),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 3, 1}, ids(got))
}

func TestStrictTieBreaksByAge(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "strict"})

	cases := []*types.Case{
		testCase(1, types.PriorityNormal, 1),
		testCase(2, types.PriorityNormal, 5),
		testCase(3, types.PriorityNormal, 3),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 3, 1}, ids(got))
}

func TestAgingBoostsLongWaiters(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{
		Algorithm:                "aging",
		AgingFactor:              0.5,
		StarvationThresholdHours: 1000,
	})

	// normal(2) + 0.5*10h = 7 beats urgent(4) + 0.5*1h = 4.5.
	cases := []*types.Case{
		testCase(1, types.PriorityUrgent, 1),
		testCase(2, types.PriorityNormal, 10),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 1}, ids(got))
}

func TestAgingStarvationBoostOnlyLowAndNormal(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{
		Algorithm:                "aging",
		AgingFactor:              0.01,
		StarvationThresholdHours: 24,
	})

	// low(1) + 0.01*30 + 2.0 = 3.3 beats high(3) + 0.01*1 = 3.01.
	cases := []*types.Case{
		testCase(1, types.PriorityHigh, 1),
		testCase(2, types.PriorityLow, 30),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 1}, ids(got))
	assert.Equal(t, 1, s.Metrics().StarvationPrevented)
}

func TestWeightedFairDoublesStarvedScores(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{
		Algorithm:                "weighted_fair",
		StarvationThresholdHours: 24,
	})

	// normal weight 2: 2*(1+0.05*30)*2 = 10.0
	// urgent weight 8: 8*(1+0.05*1) = 8.4
	cases := []*types.Case{
		testCase(1, types.PriorityUrgent, 1),
		testCase(2, types.PriorityNormal, 30),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 1}, ids(got))
	assert.Equal(t, 1, s.Metrics().StarvationPrevented)
}

func TestWeightedFairWithoutStarvationFollowsWeights(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{
		Algorithm:                "weighted_fair",
		StarvationThresholdHours: 1000,
	})

	cases := []*types.Case{
		testCase(1, types.PriorityLow, 2),
		testCase(2, types.PriorityCritical, 1),
		testCase(3, types.PriorityNormal, 2),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 3, 1}, ids(got))
}

func TestUnknownAlgorithmFallsBackToBasic(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "lifo"})

	cases := []*types.Case{
		testCase(1, types.PriorityLow, 1),
		testCase(2, types.PriorityHigh, 1),
	}
	got := s.Schedule(cases, 0)
	assert.Equal(t, []int64{2, 1}, ids(got))
}

func TestZeroPriorityTreatedAsNormal(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "strict"})

	unset := testCase(1, 0, 1)
	low := testCase(2, types.PriorityLow, 1)
	got := s.Schedule([]*types.Case{low, unset}, 0)
	assert.Equal(t, []int64{1, 2}, ids(got))
}

func TestLimitTruncatesBatch(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "strict"})

	cases := []*types.Case{
		testCase(1, types.PriorityLow, 1),
		testCase(2, types.PriorityHigh, 1),
		testCase(3, types.PriorityNormal, 1),
	}
	got := s.Schedule(cases, 2)
	assert.Equal(t, []int64{2, 3}, ids(got))
}

func TestEmptyInputTouchesNothing(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "weighted_fair"})

	got := s.Schedule(nil, 10)
	assert.Empty(t, got)

	m := s.Metrics()
	assert.Empty(t, m.ScheduledByPriority)
	assert.Zero(t, m.StarvationPrevented)
}

func TestMetricsAccumulate(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{Algorithm: "strict"})

	s.Schedule([]*types.Case{
		testCase(1, types.PriorityHigh, 2),
		testCase(2, types.PriorityHigh, 4),
		testCase(3, types.PriorityLow, 6),
	}, 0)

	m := s.Metrics()
	assert.Equal(t, 2, m.ScheduledByPriority["high"])
	assert.Equal(t, 1, m.ScheduledByPriority["low"])
	require.Contains(t, m.AverageWait, "high")
	assert.Equal(t, 3*time.Hour, m.AverageWait["high"])
	assert.Equal(t, 6*time.Hour, m.AverageWait["low"])
}

func TestMetricsCountEachCaseOnce(t *testing.T) {
	s := newTestScheduler(config.SchedulingConfig{
		Algorithm:                "weighted_fair",
		StarvationThresholdHours: 24,
	})

	// The same pending case is re-scheduled on every tick while it
	// waits for a GPU; the counters must not inflate with each pass.
	cases := []*types.Case{
		testCase(1, types.PriorityNormal, 30),
		testCase(2, types.PriorityHigh, 2),
	}
	for i := 0; i < 5; i++ {
		s.Schedule(cases, 0)
	}

	m := s.Metrics()
	assert.Equal(t, 1, m.ScheduledByPriority["normal"])
	assert.Equal(t, 1, m.ScheduledByPriority["high"])
	assert.Equal(t, 30*time.Hour, m.AverageWait["normal"])
	assert.Equal(t, 1, m.StarvationPrevented)
}
