package gpumgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

type stubProbe struct {
	groups   []string
	queue    *remote.QueueSnapshot
	hardware []types.GpuSnapshot
	err      error
}

func (s *stubProbe) ListGroups(ctx context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.groups, nil
}

func (s *stubProbe) QueueStatus(ctx context.Context) (*remote.QueueSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.queue, nil
}

func (s *stubProbe) HardwareUsage(ctx context.Context) ([]types.GpuSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hardware, nil
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func idle(index int) types.GpuSnapshot {
	return types.GpuSnapshot{Index: index, Utilization: 1, MemoryUsed: 100, MemoryTotal: 24576}
}

func busy(index int) types.GpuSnapshot {
	return types.GpuSnapshot{Index: index, Utilization: 95, MemoryUsed: 20000, MemoryTotal: 24576}
}

func TestGroupIndices(t *testing.T) {
	assert.Equal(t, []int{0}, GroupIndices("gpu_0"))
	assert.Equal(t, []int{7}, GroupIndices("gpu_7"))
	assert.Nil(t, GroupIndices("default"))
	assert.Nil(t, GroupIndices("workstation"))
}

func TestRefreshDiscoversAndClassifiesGroups(t *testing.T) {
	store := newStore(t)
	probe := &stubProbe{
		groups: []string{"gpu_0", "gpu_1"},
		queue: &remote.QueueSnapshot{Groups: map[string]types.GroupQueue{
			"gpu_0": {Running: 0, Queued: 0},
			"gpu_1": {Running: 1, Queued: 2},
		}},
		hardware: []types.GpuSnapshot{idle(0), busy(1)},
	}
	m := New(store, probe)

	require.NoError(t, m.Refresh(context.Background()))

	g0, err := store.GetGpu("gpu_0")
	require.NoError(t, err)
	assert.Equal(t, types.GpuStatusAvailable, g0.Status)

	g1, err := store.GetGpu("gpu_1")
	require.NoError(t, err)
	assert.Equal(t, types.GpuStatusBusy, g1.Status)
	assert.Equal(t, 95.0, g1.Utilization)
}

func TestRefreshLeavesAssignedAndZombieAlone(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.EnsureGpuExists("gpu_0"))
	require.NoError(t, store.EnsureGpuExists("gpu_1"))
	_, err := store.FindAndLockAnyAvailableGpu(1, []string{"gpu_0"})
	require.NoError(t, err)
	caseID := int64(2)
	require.NoError(t, store.SetGpuStatus("gpu_1", types.GpuStatusZombie, &caseID))

	probe := &stubProbe{
		groups:   []string{"gpu_0", "gpu_1"},
		queue:    &remote.QueueSnapshot{Groups: map[string]types.GroupQueue{}},
		hardware: []types.GpuSnapshot{idle(0), idle(1)},
	}
	require.NoError(t, New(store, probe).Refresh(context.Background()))

	g0, err := store.GetGpu("gpu_0")
	require.NoError(t, err)
	assert.Equal(t, types.GpuStatusAssigned, g0.Status)

	g1, err := store.GetGpu("gpu_1")
	require.NoError(t, err)
	assert.Equal(t, types.GpuStatusZombie, g1.Status)
}

func TestRefreshPropagatesProbeFailure(t *testing.T) {
	store := newStore(t)
	probe := &stubProbe{err: errors.New("unreachable")}
	assert.Error(t, New(store, probe).Refresh(context.Background()))
}

func TestChooseOptimalPrefersLowestLoad(t *testing.T) {
	store := newStore(t)
	probe := &stubProbe{
		groups: []string{"gpu_0", "gpu_1", "gpu_2"},
		queue: &remote.QueueSnapshot{Groups: map[string]types.GroupQueue{
			"gpu_0": {Queued: 3},
			"gpu_1": {Queued: 0},
			"gpu_2": {Queued: 1},
		}},
		hardware: []types.GpuSnapshot{idle(0), idle(1), idle(2)},
	}
	m := New(store, probe)
	require.NoError(t, m.Refresh(context.Background()))

	group, ok := m.ChooseOptimal()
	require.True(t, ok)
	assert.Equal(t, "gpu_1", group)
}

func TestChooseOptimalSkipsRunningAndHardwareBusy(t *testing.T) {
	store := newStore(t)
	probe := &stubProbe{
		groups: []string{"gpu_0", "gpu_1", "gpu_2"},
		queue: &remote.QueueSnapshot{Groups: map[string]types.GroupQueue{
			"gpu_0": {Running: 1},
			"gpu_1": {},
			"gpu_2": {},
		}},
		// gpu_1 busy at the hardware level despite an idle queue.
		hardware: []types.GpuSnapshot{idle(0), busy(1), idle(2)},
	}
	m := New(store, probe)
	require.NoError(t, m.Refresh(context.Background()))

	group, ok := m.ChooseOptimal()
	require.True(t, ok)
	assert.Equal(t, "gpu_2", group)
}

func TestChooseOptimalTieBreaksLexicographically(t *testing.T) {
	store := newStore(t)
	probe := &stubProbe{
		groups: []string{"gpu_1", "gpu_0"},
		queue: &remote.QueueSnapshot{Groups: map[string]types.GroupQueue{
			"gpu_0": {},
			"gpu_1": {},
		}},
		hardware: []types.GpuSnapshot{
			{Index: 0, Utilization: 2, MemoryUsed: 50, MemoryTotal: 24576},
			{Index: 1, Utilization: 2, MemoryUsed: 50, MemoryTotal: 24576},
		},
	}
	m := New(store, probe)
	require.NoError(t, m.Refresh(context.Background()))

	group, ok := m.ChooseOptimal()
	require.True(t, ok)
	assert.Equal(t, "gpu_0", group)
}

func TestChooseOptimalNoCandidates(t *testing.T) {
	store := newStore(t)
	m := New(store, &stubProbe{})

	_, ok := m.ChooseOptimal()
	assert.False(t, ok)
}
