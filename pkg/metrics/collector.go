package metrics

import (
	"time"

	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

var caseStatuses = []types.CaseStatus{
	types.CaseStatusSubmitted,
	types.CaseStatusPreprocessing,
	types.CaseStatusPreprocessed,
	types.CaseStatusGeneratingTPS,
	types.CaseStatusTPSGenerated,
	types.CaseStatusUploading,
	types.CaseStatusUploaded,
	types.CaseStatusSubmitting,
	types.CaseStatusRunning,
	types.CaseStatusRemoteCompleted,
	types.CaseStatusDownloading,
	types.CaseStatusDownloaded,
	types.CaseStatusPostprocessing,
	types.CaseStatusCompleted,
	types.CaseStatusFailed,
}

var gpuStatuses = []types.GpuStatus{
	types.GpuStatusAvailable,
	types.GpuStatusAssigned,
	types.GpuStatusBusy,
	types.GpuStatusZombie,
}

// Collector periodically samples the state store into gauge families
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	cases, err := c.store.ListCases()
	if err == nil {
		counts := make(map[types.CaseStatus]int)
		for _, cs := range cases {
			counts[cs.Status]++
		}
		for _, st := range caseStatuses {
			CasesTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
	}

	gpus, err := c.store.ListGpus()
	if err == nil {
		counts := make(map[types.GpuStatus]int)
		for _, g := range gpus {
			counts[g.Status]++
			GpuUtilization.WithLabelValues(g.PueueGroup).Set(g.Utilization)
		}
		for _, st := range gpuStatuses {
			GpusTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
	}
}
