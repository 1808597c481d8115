package types

import (
	"time"
)

// Case represents a single patient case registered for processing
type Case struct {
	ID           int64      `json:"case_id"`
	Path         string     `json:"case_path"`
	Status       CaseStatus `json:"status"`
	Progress     int        `json:"progress"` // 0-100, monotone non-decreasing
	Priority     Priority   `json:"priority"`
	PueueGroup   string     `json:"pueue_group,omitempty"` // Assigned GPU group, empty if none
	PueueTaskID  *int64     `json:"pueue_task_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUpdated  time.Time  `json:"last_updated"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Name returns the case directory name (the last path element)
func (c *Case) Name() string {
	if c.Path == "" {
		return ""
	}
	p := c.Path
	for len(p) > 0 && (p[len(p)-1] == '/' || p[len(p)-1] == '\\') {
		p = p[:len(p)-1]
	}
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

// WaitTime returns how long the case has been waiting since registration
func (c *Case) WaitTime(now time.Time) time.Duration {
	ref := c.CreatedAt
	if ref.IsZero() {
		ref = c.SubmittedAt
	}
	if ref.IsZero() {
		return 0
	}
	return now.Sub(ref)
}

// CaseStatus represents the position of a case in the pipeline
type CaseStatus string

const (
	CaseStatusSubmitted       CaseStatus = "submitted"
	CaseStatusPreprocessing   CaseStatus = "preprocessing"
	CaseStatusPreprocessed    CaseStatus = "preprocessed"
	CaseStatusGeneratingTPS   CaseStatus = "generating_tps"
	CaseStatusTPSGenerated    CaseStatus = "tps_generated"
	CaseStatusUploading       CaseStatus = "uploading"
	CaseStatusUploaded        CaseStatus = "uploaded"
	CaseStatusSubmitting      CaseStatus = "submitting"
	CaseStatusRunning         CaseStatus = "running"
	CaseStatusRemoteCompleted CaseStatus = "remote_completed"
	CaseStatusDownloading     CaseStatus = "downloading"
	CaseStatusDownloaded      CaseStatus = "downloaded"
	CaseStatusPostprocessing  CaseStatus = "postprocessing"
	CaseStatusCompleted       CaseStatus = "completed"
	CaseStatusFailed          CaseStatus = "failed"
)

// IsTerminal reports whether the status ends the case lifecycle
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusFailed
}

// Priority is the scheduling priority of a case
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// Weight returns the scheduling weight used by weighted-fair ordering
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 4
	case PriorityUrgent:
		return 8
	case PriorityCritical:
		return 16
	default:
		return 2
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a priority name to its level, defaulting to normal
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "normal", "":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// GpuResource represents one Pueue group backed by one physical GPU
type GpuResource struct {
	PueueGroup  string    `json:"pueue_group"`
	Status      GpuStatus `json:"status"`
	CaseID      *int64    `json:"case_id,omitempty"` // Holder of the lock, if assigned
	Utilization float64   `json:"utilization_percent"`
	MemoryUsed  float64   `json:"memory_used_percent"`
	LastUpdated time.Time `json:"last_updated"`
}

// GpuStatus represents the lock state of a GPU resource
type GpuStatus string

const (
	GpuStatusAvailable GpuStatus = "available"
	GpuStatusAssigned  GpuStatus = "assigned"
	GpuStatusBusy      GpuStatus = "busy"   // External load, not locked by us
	GpuStatusZombie    GpuStatus = "zombie" // Unreclaimable remote task may still run
)

// GpuSnapshot is a point-in-time utilization sample for one device
type GpuSnapshot struct {
	Index       int     `json:"index"`
	UUID        string  `json:"uuid"`
	Utilization float64 `json:"utilization_percent"`
	MemoryUsed  float64 `json:"memory_used_mib"`
	MemoryTotal float64 `json:"memory_total_mib"`
	Temperature float64 `json:"temperature_c"`
}

// MemoryPercent returns used memory as a percentage of total
func (g GpuSnapshot) MemoryPercent() float64 {
	if g.MemoryTotal <= 0 {
		return 0
	}
	return g.MemoryUsed / g.MemoryTotal * 100
}

// Busy reports whether the device carries meaningful load
func (g GpuSnapshot) Busy() bool {
	return g.Utilization > 5 || g.MemoryPercent() > 10
}

// GroupQueue is the Pueue queue depth for one group
type GroupQueue struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// TotalLoad returns the combined running and queued task count
func (q GroupQueue) TotalLoad() int {
	return q.Running + q.Queued
}

// TaskStatus is the mapped state of a remote Pueue task
type TaskStatus string

const (
	TaskStatusSuccess     TaskStatus = "success"
	TaskStatusFailure     TaskStatus = "failure"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusNotFound    TaskStatus = "not_found"
	TaskStatusUnreachable TaskStatus = "unreachable"
)

// WorkflowStepRecord is an audit record of one step attempt for one case
type WorkflowStepRecord struct {
	ID         string      `json:"id"`
	CaseID     int64       `json:"case_id"`
	Step       string      `json:"step"`
	RunID      string      `json:"run_id"` // Regenerated for every attempt
	Attempt    int         `json:"attempt"`
	Outcome    StepOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// StepOutcome is the recorded result of one workflow step attempt
type StepOutcome string

const (
	StepOutcomeStarted   StepOutcome = "started"
	StepOutcomeCompleted StepOutcome = "completed"
	StepOutcomeFailed    StepOutcome = "failed"
)

// PlanInfo carries treatment plan details extracted during preprocessing
type PlanInfo struct {
	BeamCount   int     `json:"beam_count"` // Treatment beams only, SETUP excluded
	GantryAngle float64 `json:"gantry_angle"`
}
