package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Case metrics
	CasesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_cases_total",
			Help: "Number of cases by status",
		},
		[]string{"status"},
	)

	CasesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_cases_processed_total",
			Help: "Terminal case outcomes by result",
		},
		[]string{"result"},
	)

	CaseWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mqic_case_wait_seconds",
			Help:    "Time from registration to dispatch in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// Workflow metrics
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mqic_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"step"},
	)

	StepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_step_retries_total",
			Help: "Workflow step retries by step",
		},
		[]string{"step"},
	)

	// GPU metrics
	GpusTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_gpus_total",
			Help: "Number of GPU groups by lock state",
		},
		[]string{"status"},
	)

	GpuUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqic_gpu_utilization_percent",
			Help: "Last observed GPU utilization by group",
		},
		[]string{"group"},
	)

	ZombiesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqic_zombies_reclaimed_total",
			Help: "Zombie GPU locks successfully reclaimed",
		},
	)

	// Remote metrics
	RemoteOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_remote_operations_total",
			Help: "Remote operations by type and result",
		},
		[]string{"operation", "result"},
	)

	RemoteOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mqic_remote_operation_duration_seconds",
			Help:    "Remote operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Worker pool metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqic_workers_active",
			Help: "Cases currently being processed",
		},
	)

	// Supervisor metrics
	SupervisorTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqic_supervisor_ticks_total",
			Help: "Completed supervisor loop iterations",
		},
	)

	SupervisorPhaseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqic_supervisor_phase_errors_total",
			Help: "Supervisor phase failures by phase",
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(CasesTotal)
	prometheus.MustRegister(CasesProcessedTotal)
	prometheus.MustRegister(CaseWaitSeconds)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(StepRetriesTotal)
	prometheus.MustRegister(GpusTotal)
	prometheus.MustRegister(GpuUtilization)
	prometheus.MustRegister(ZombiesReclaimedTotal)
	prometheus.MustRegister(RemoteOperationsTotal)
	prometheus.MustRegister(RemoteOperationDuration)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(SupervisorTicksTotal)
	prometheus.MustRegister(SupervisorPhaseErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
