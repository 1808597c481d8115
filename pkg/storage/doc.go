/*
Package storage provides persistent state management for the MQI Communicator.

The package defines the Store interface and its BoltDB implementation. All
durable state lives here: the case table, the GPU lock table, and the
workflow step audit log. Every record is stored as JSON under a dedicated
bucket, which keeps the database debuggable with nothing more than a bbolt
dump.

# Architecture

Buckets:

	cases           case_id (8-byte big endian) -> Case JSON
	case_paths      case_path -> case_id (uniqueness index)
	gpus            pueue_group -> GpuResource JSON
	workflow_steps  case_id | seq -> WorkflowStepRecord JSON
	meta            schema_version, counters

# Locking Semantics

BoltDB serializes all writes through a single writer transaction. The GPU
lock table exploits this: FindAndLockAnyAvailableGpu scans, selects, and
marks a GPU assigned inside one Update call, so two concurrent callers can
never lock the same group. The same transaction also stamps the chosen
group onto the case row, keeping case and lock state consistent even if the
process dies between the two writes.

# Schema Migration

The meta bucket carries a schema_version key. Opening a database written by
an earlier release backfills missing case fields: priority defaults to
normal, created_at is copied from submitted_at, and last_updated is set to
the migration time. Migration runs once inside a single transaction.

# Error Semantics

	ErrNotFound       the requested record does not exist
	ErrDuplicatePath  a case with the same path is already registered
	ErrUnavailable    the database cannot be reached (lock timeout, I/O)

ErrUnavailable failures are transient; callers keep previously cached data
and retry on the next tick.
*/
package storage
