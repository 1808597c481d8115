/*
Package gpumgr reconciles the GPU lock table against the remote host.

A refresh cycle discovers new Pueue groups, samples the queue depth and
the hardware utilization, and updates the lock table rows the manager
owns: rows that are assigned or zombie are never touched, since those
transitions belong to the supervisor and the workers.

ChooseOptimal picks the best dispatch target among available groups: no
running tasks in its queue, no busy mapped device, and the lowest
composite load score. Group names map to device indices by the gpu_<N>
convention; a group with an unrecognized name has no hardware mapping and
is judged on queue state alone.
*/
package gpumgr
