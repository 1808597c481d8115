package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mqic/communicator/pkg/types"
)

// Config is the root configuration for the communicator process
type Config struct {
	Log                LogConfig         `yaml:"log"`
	Database           DatabaseConfig    `yaml:"database"`
	Scanner            ScannerConfig     `yaml:"scanner"`
	HPC                HPCConfig         `yaml:"hpc"`
	LocalTools         LocalToolsConfig  `yaml:"local_tools"`
	MainLoop           MainLoopConfig    `yaml:"main_loop"`
	PriorityScheduling SchedulingConfig  `yaml:"priority_scheduling"`
	Dashboard          DashboardConfig   `yaml:"dashboard"`
	Workflow           []StepConfig      `yaml:"workflow"`
	MoquiTPSParameters map[string]string `yaml:"moqui_tps_parameters"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Path  string `yaml:"path"` // Empty means stdout
}

// DatabaseConfig locates the state database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ScannerConfig controls the case directory watcher
type ScannerConfig struct {
	WatchPath               string `yaml:"watch_path"`
	QuiescencePeriodSeconds int    `yaml:"quiescence_period_seconds"`
	ScanIntervalSeconds     int    `yaml:"scan_interval_seconds"`
}

// QuiescencePeriod returns the copy-settle wait before registering a case
func (s ScannerConfig) QuiescencePeriod() time.Duration {
	return time.Duration(s.QuiescencePeriodSeconds) * time.Second
}

// ScanInterval returns the periodic rescan interval
func (s ScannerConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalSeconds) * time.Second
}

// HPCConfig describes the remote GPU cluster connection
type HPCConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	User                  string `yaml:"user"`
	PrivateKeyPath        string `yaml:"private_key_path"`
	RemoteBaseDir         string `yaml:"remote_base_dir"`
	InterpreterOutputsDir string `yaml:"interpreter_outputs_dir"`
	OutputsDir            string `yaml:"outputs_dir"`
	PueueCommand          string `yaml:"pueue_command"`
	SimulationCommand     string `yaml:"simulation_command"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// Addr returns host:port for dialing
func (h HPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ConnectTimeout returns the SSH dial timeout
func (h HPCConfig) ConnectTimeout() time.Duration {
	return time.Duration(h.ConnectTimeoutSeconds) * time.Second
}

// LocalToolsConfig locates local executables used by pipeline steps
type LocalToolsConfig struct {
	InterpreterPath string `yaml:"interpreter_path"`
	Raw2DcmPath     string `yaml:"raw2dcm_path"`
	PythonCommand   string `yaml:"python_command"`
}

// MainLoopConfig tunes the supervisor loop and worker pool
type MainLoopConfig struct {
	MaxWorkers                  int `yaml:"max_workers"`
	BatchSize                   int `yaml:"batch_size"`
	ProcessingTimeoutSeconds    int `yaml:"processing_timeout_seconds"`
	PollingIntervalSeconds      int `yaml:"polling_interval_seconds"`
	SleepIntervalSeconds        int `yaml:"sleep_interval_seconds"`
	RunningCaseTimeoutHours     int `yaml:"running_case_timeout_hours"`
	GpuRefreshIntervalIteration int `yaml:"gpu_refresh_interval_iterations"`
}

// ProcessingTimeout is the per-case workflow deadline
func (m MainLoopConfig) ProcessingTimeout() time.Duration {
	return time.Duration(m.ProcessingTimeoutSeconds) * time.Second
}

// PollingInterval is the remote task status poll cadence
func (m MainLoopConfig) PollingInterval() time.Duration {
	return time.Duration(m.PollingIntervalSeconds) * time.Second
}

// SleepInterval is the supervisor tick interval
func (m MainLoopConfig) SleepInterval() time.Duration {
	return time.Duration(m.SleepIntervalSeconds) * time.Second
}

// RunningCaseTimeout is the wall-clock limit for remotely running cases
func (m MainLoopConfig) RunningCaseTimeout() time.Duration {
	return time.Duration(m.RunningCaseTimeoutHours) * time.Hour
}

// SchedulingConfig selects and tunes the priority scheduling algorithm
type SchedulingConfig struct {
	Algorithm                string  `yaml:"algorithm"` // basic, strict, aging, weighted_fair
	AgingFactor              float64 `yaml:"aging_factor"`
	StarvationThresholdHours float64 `yaml:"starvation_threshold_hours"`
}

// StarvationThreshold returns the wait beyond which low priority cases get boosted
func (s SchedulingConfig) StarvationThreshold() time.Duration {
	return time.Duration(s.StarvationThresholdHours * float64(time.Hour))
}

// DashboardConfig controls the embedded read-only HTTP server
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StepConfig describes one workflow step
type StepConfig struct {
	Name            string           `yaml:"name"`
	Target          string           `yaml:"target"`
	OnStartStatus   types.CaseStatus `yaml:"on_start_status"`
	OnSuccessStatus types.CaseStatus `yaml:"on_success_status"`
	OnFailureStatus types.CaseStatus `yaml:"on_failure_status"`
	Progress        int              `yaml:"progress"` // Progress set when the step succeeds
	Retry           RetryConfig      `yaml:"retry"`
}

// RetryConfig controls per-step retries
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	DelaySeconds int      `yaml:"delay_seconds"`
	On           []string `yaml:"on"` // Fault categories worth retrying
}

// Delay returns the pause between attempts
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// Load reads, defaults, and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/communicator.db"
	}
	if c.Scanner.QuiescencePeriodSeconds == 0 {
		c.Scanner.QuiescencePeriodSeconds = 5
	}
	if c.Scanner.ScanIntervalSeconds == 0 {
		c.Scanner.ScanIntervalSeconds = 60
	}
	if c.HPC.Port == 0 {
		c.HPC.Port = 22
	}
	if c.HPC.PueueCommand == "" {
		c.HPC.PueueCommand = "pueue"
	}
	if c.HPC.SimulationCommand == "" {
		c.HPC.SimulationCommand = "./moqui moqui_tps.in"
	}
	if c.HPC.ConnectTimeoutSeconds == 0 {
		c.HPC.ConnectTimeoutSeconds = 30
	}
	if c.LocalTools.PythonCommand == "" {
		c.LocalTools.PythonCommand = "python3"
	}
	if c.MainLoop.MaxWorkers == 0 {
		c.MainLoop.MaxWorkers = 4
	}
	if c.MainLoop.BatchSize == 0 {
		c.MainLoop.BatchSize = 10
	}
	if c.MainLoop.ProcessingTimeoutSeconds == 0 {
		c.MainLoop.ProcessingTimeoutSeconds = 3600
	}
	if c.MainLoop.PollingIntervalSeconds == 0 {
		c.MainLoop.PollingIntervalSeconds = 30
	}
	if c.MainLoop.SleepIntervalSeconds == 0 {
		c.MainLoop.SleepIntervalSeconds = 10
	}
	if c.MainLoop.RunningCaseTimeoutHours == 0 {
		c.MainLoop.RunningCaseTimeoutHours = 24
	}
	if c.MainLoop.GpuRefreshIntervalIteration == 0 {
		c.MainLoop.GpuRefreshIntervalIteration = 50
	}
	if c.PriorityScheduling.Algorithm == "" {
		c.PriorityScheduling.Algorithm = "weighted_fair"
	}
	if c.PriorityScheduling.AgingFactor == 0 {
		c.PriorityScheduling.AgingFactor = 0.1
	}
	if c.PriorityScheduling.StarvationThresholdHours == 0 {
		c.PriorityScheduling.StarvationThresholdHours = 24
	}
	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = ":8086"
	}
	if len(c.Workflow) == 0 {
		c.Workflow = DefaultWorkflow()
	}
}

// Validate checks the configuration for startup-blocking problems
func (c *Config) Validate() error {
	if c.Scanner.WatchPath == "" {
		return fmt.Errorf("scanner.watch_path is required")
	}
	if c.HPC.Host == "" {
		return fmt.Errorf("hpc.host is required")
	}
	if c.HPC.User == "" {
		return fmt.Errorf("hpc.user is required")
	}
	switch c.PriorityScheduling.Algorithm {
	case "basic", "strict", "aging", "weighted_fair":
	default:
		return fmt.Errorf("priority_scheduling.algorithm %q is not supported", c.PriorityScheduling.Algorithm)
	}
	if c.MainLoop.MaxWorkers < 1 {
		return fmt.Errorf("main_loop.max_workers must be at least 1")
	}
	if c.MainLoop.BatchSize < 1 {
		return fmt.Errorf("main_loop.batch_size must be at least 1")
	}
	seen := make(map[string]bool, len(c.Workflow))
	for i, step := range c.Workflow {
		if step.Name == "" {
			return fmt.Errorf("workflow[%d]: name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow: duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Target == "" {
			return fmt.Errorf("workflow step %q: target is required", step.Name)
		}
		if step.OnSuccessStatus == "" {
			return fmt.Errorf("workflow step %q: on_success_status is required", step.Name)
		}
		if step.Retry.MaxAttempts < 0 {
			return fmt.Errorf("workflow step %q: retry.max_attempts must not be negative", step.Name)
		}
	}
	return nil
}

// DefaultWorkflow returns the standard seven step pipeline
func DefaultWorkflow() []StepConfig {
	retryRemote := RetryConfig{MaxAttempts: 3, DelaySeconds: 10, On: []string{"network", "system"}}
	retryLocal := RetryConfig{MaxAttempts: 2, DelaySeconds: 5, On: []string{"system"}}
	return []StepConfig{
		{
			Name: "preprocess", Target: "preprocess",
			OnStartStatus: types.CaseStatusPreprocessing, OnSuccessStatus: types.CaseStatusPreprocessed,
			OnFailureStatus: types.CaseStatusFailed, Progress: 10, Retry: retryLocal,
		},
		{
			Name: "generate-tps", Target: "generate_tps",
			OnStartStatus: types.CaseStatusGeneratingTPS, OnSuccessStatus: types.CaseStatusTPSGenerated,
			OnFailureStatus: types.CaseStatusFailed, Progress: 20,
		},
		{
			Name: "upload", Target: "upload",
			OnStartStatus: types.CaseStatusUploading, OnSuccessStatus: types.CaseStatusUploaded,
			OnFailureStatus: types.CaseStatusFailed, Progress: 25, Retry: retryRemote,
		},
		{
			Name: "submit", Target: "submit",
			OnStartStatus: types.CaseStatusSubmitting, OnSuccessStatus: types.CaseStatusRunning,
			OnFailureStatus: types.CaseStatusFailed, Progress: 30, Retry: retryRemote,
		},
		{
			Name: "poll", Target: "poll",
			OnStartStatus: types.CaseStatusRunning, OnSuccessStatus: types.CaseStatusRemoteCompleted,
			OnFailureStatus: types.CaseStatusFailed, Progress: 60,
		},
		{
			Name: "download", Target: "download",
			OnStartStatus: types.CaseStatusDownloading, OnSuccessStatus: types.CaseStatusDownloaded,
			OnFailureStatus: types.CaseStatusFailed, Progress: 80, Retry: retryRemote,
		},
		{
			Name: "postprocess", Target: "postprocess",
			OnStartStatus: types.CaseStatusPostprocessing, OnSuccessStatus: types.CaseStatusCompleted,
			OnFailureStatus: types.CaseStatusFailed, Progress: 100, Retry: retryLocal,
		},
	}
}
