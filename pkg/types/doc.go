/*
Package types defines the core data structures used throughout the MQI
Communicator.

This package contains the fundamental types that represent the domain model:
radiotherapy cases moving through the processing pipeline, GPU resources on
the remote HPC host, and workflow step execution records. All other packages
depend on these types for state management, scheduling, and reporting.

# Core Types

Case Lifecycle:
  - Case: A single patient case directory registered for processing
  - CaseStatus: Position of a case in the pipeline (submitted ... completed)
  - Priority: Scheduling priority (low ... critical)

GPU Resources:
  - GpuResource: One Pueue group backed by one physical GPU
  - GpuStatus: available, assigned, busy, or zombie
  - GpuSnapshot: Point-in-time utilization sample from nvidia-smi
  - GroupQueue: Pueue queue depth for one group

Workflow:
  - WorkflowStepRecord: Audit record of one step attempt for one case
  - StepOutcome: started, completed, failed

Remote Tasks:
  - TaskStatus: Mapped Pueue task state (success, failure, running,
    not_found, unreachable)

# State Machine

Cases follow the pipeline state machine:

	submitted → preprocessing → preprocessed → generating_tps → tps_generated
	  → uploading → uploaded → submitting → running → remote_completed
	  → downloading → downloaded → postprocessing → completed

Any non-terminal status may transition to "failed". The supervisor resumes
interrupted cases from the status recorded in the state store, so every
status string is durable and must remain stable across releases.

# Thread Safety

Types in this package are plain data. Mutations must be synchronized by
callers; the storage layer serializes all persisted updates.

# See Also

  - pkg/storage for persistence
  - pkg/workflow for the step state machine
  - pkg/gpumgr for GPU resource reconciliation
*/
package types
