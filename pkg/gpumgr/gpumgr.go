package gpumgr

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/tps"
	"github.com/mqic/communicator/pkg/types"
)

// Probe is the read-only remote interface the manager depends on
type Probe interface {
	ListGroups(ctx context.Context) ([]string, error)
	QueueStatus(ctx context.Context) (*remote.QueueSnapshot, error)
	HardwareUsage(ctx context.Context) ([]types.GpuSnapshot, error)
}

// Manager keeps the GPU lock table in sync with the remote host
type Manager struct {
	store  storage.Store
	probe  Probe
	logger zerolog.Logger

	mu        sync.RWMutex
	lastQueue *remote.QueueSnapshot
	lastHW    map[int]types.GpuSnapshot
}

// New creates a GPU manager
func New(store storage.Store, probe Probe) *Manager {
	return &Manager{
		store:  store,
		probe:  probe,
		logger: log.WithComponent("gpumgr"),
	}
}

// GroupIndices maps a group name to its device indices by the gpu_<N>
// convention. Unrecognized names map to no indices.
func GroupIndices(group string) []int {
	if idx, ok := tps.GPUIDFromGroup(group); ok {
		return []int{idx}
	}
	return nil
}

// Refresh runs one reconcile cycle against the remote host
func (m *Manager) Refresh(ctx context.Context) error {
	groups, err := m.probe.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := m.store.EnsureGpuExists(group); err != nil {
			m.logger.Warn().Err(err).Str("group", group).Msg("ensure gpu row failed")
		}
	}

	queue, err := m.probe.QueueStatus(ctx)
	if err != nil {
		return err
	}
	hardware, err := m.probe.HardwareUsage(ctx)
	if err != nil {
		return err
	}

	hwByIndex := make(map[int]types.GpuSnapshot, len(hardware))
	for _, snap := range hardware {
		hwByIndex[snap.Index] = snap
	}

	m.mu.Lock()
	m.lastQueue = queue
	m.lastHW = hwByIndex
	m.mu.Unlock()

	for _, group := range groups {
		busy := queue.Groups[group].Running > 0
		util, memPct := 0.0, 0.0
		for _, idx := range GroupIndices(group) {
			snap, ok := hwByIndex[idx]
			if !ok {
				continue
			}
			if snap.Busy() {
				busy = true
			}
			if snap.Utilization > util {
				util = snap.Utilization
			}
			if snap.MemoryPercent() > memPct {
				memPct = snap.MemoryPercent()
			}
		}

		status := types.GpuStatusAvailable
		if busy {
			status = types.GpuStatusBusy
		}
		// Assigned and zombie rows keep their lock state; only telemetry
		// lands on them.
		if err := m.store.UpdateGpuObservation(group, status, util, memPct); err != nil {
			m.logger.Warn().Err(err).Str("group", group).Msg("gpu observation update failed")
		}
	}
	return nil
}

// ChooseOptimal returns the best dispatch group from the last refresh:
// available in the store, idle queue, no busy mapped device, and the
// lowest composite load. Ties break lexicographically.
func (m *Manager) ChooseOptimal() (string, bool) {
	m.mu.RLock()
	queue := m.lastQueue
	hwByIndex := m.lastHW
	m.mu.RUnlock()

	available, err := m.store.ListGpusByStatus(types.GpuStatusAvailable)
	if err != nil || len(available) == 0 {
		return "", false
	}

	type candidate struct {
		group string
		score float64
	}
	var candidates []candidate
	for _, gpu := range available {
		score := 0.0
		if queue != nil {
			q := queue.Groups[gpu.PueueGroup]
			if q.Running > 0 {
				continue
			}
			score += float64(q.TotalLoad())
		}
		excluded := false
		for _, idx := range GroupIndices(gpu.PueueGroup) {
			snap, ok := hwByIndex[idx]
			if !ok {
				continue
			}
			if snap.Busy() {
				excluded = true
				break
			}
			score += snap.Utilization/100 + snap.MemoryPercent()/100
		}
		if excluded {
			continue
		}
		candidates = append(candidates, candidate{group: gpu.PueueGroup, score: score})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].group < candidates[j].group
	})
	return candidates[0].group, true
}
