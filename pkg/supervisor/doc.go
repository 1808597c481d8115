/*
Package supervisor owns the main reconcile loop.

Every tick runs five ordered phases:

 1. Recover cases stuck in submitting after a crash, by looking up
    their recovery label in the remote queue.
 2. Sweep running cases that no worker owns: enforce the running case
    timeout and fold terminal remote results back into the store.
 3. Reclaim zombie GPUs by retrying the kill of their orphaned task.
 4. Resume cases stranded mid-pipeline by a shutdown or worker
    timeout, reusing the GPU lock they still hold.
 5. Dispatch pending cases through the priority scheduler onto free
    GPUs and worker slots.

The ordering matters: recovery before dispatch keeps a crashed case
from being run twice, and zombie reclaim before dispatch maximizes the
GPUs available in the same tick. A failure in one phase is logged and
never stops the others.
*/
package supervisor
