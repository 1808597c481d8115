/*
Package worker runs case workflows on a bounded pool of goroutines.

Dispatch is non-blocking: a case is accepted only when a worker slot is
free and the case is not already in flight. Each accepted case gets its
own deadline-bound context and runs the workflow engine to a terminal
outcome. The worker then finalizes the case row and releases the GPU
lock, unless the supervisor has promoted that GPU to zombie in the
meantime.

A run cut short by its context, whether the per-case deadline or a
shutdown cancel, is abandoned instead of finalized: the case keeps its
persisted status and its GPU lock, and the supervisor decides what
happens to the remote task. Releasing the lock here could hand the
device to a new case while the old task still occupies it.

The pool keeps running counters (processed, succeeded, failed,
abandoned, peak concurrency, average duration) that the dashboard
exposes.
*/
package worker
