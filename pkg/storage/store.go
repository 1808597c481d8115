package storage

import (
	"errors"

	"github.com/mqic/communicator/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicatePath is returned when a case path is already registered
	ErrDuplicatePath = errors.New("case path already registered")

	// ErrUnavailable is returned when the database cannot be reached
	ErrUnavailable = errors.New("state store unavailable")
)

// Store defines the persistence interface for cases, GPUs, and step records
type Store interface {
	// Case operations
	AddCase(path string, priority types.Priority) (*types.Case, error)
	GetCase(id int64) (*types.Case, error)
	GetCaseByPath(path string) (*types.Case, error)
	ListCases() ([]*types.Case, error)
	ListCasesByStatus(statuses ...types.CaseStatus) ([]*types.Case, error)
	CountCasesByStatus(status types.CaseStatus) (int, error)
	UpdateCaseStatus(id int64, status types.CaseStatus, progress int) error
	UpdateCaseError(id int64, message string) error
	UpdateCaseGpuGroup(id int64, group string) error
	UpdateCaseRemoteTask(id int64, taskID *int64) error
	UpdateCaseCompletion(id int64, success bool) error

	// GPU operations
	EnsureGpuExists(group string) error
	GetGpu(group string) (*types.GpuResource, error)
	GetGpuByCase(caseID int64) (*types.GpuResource, error)
	ListGpus() ([]*types.GpuResource, error)
	ListGpusByStatus(status types.GpuStatus) ([]*types.GpuResource, error)
	SetGpuStatus(group string, status types.GpuStatus, caseID *int64) error
	UpdateGpuObservation(group string, status types.GpuStatus, utilization, memoryUsed float64) error
	FindAndLockAnyAvailableGpu(caseID int64, preferred []string) (*types.GpuResource, error)
	ReleaseGpu(group string) error

	// Workflow step audit log
	RecordWorkflowStep(rec *types.WorkflowStepRecord) error
	ListWorkflowSteps(caseID int64) ([]*types.WorkflowStepRecord, error)

	// Close releases the underlying database
	Close() error
}
