/*
Package remote talks to the GPU cluster over SSH.

Three layers:

  - Client: a cached SSH connection that runs single commands with
    per-call timeouts. Transport failures invalidate the cached
    connection so the next call redials.
  - Probe: read-only queries against Pueue (group listing, queue status)
    and nvidia-smi (hardware usage). Any transport or parse failure folds
    into ErrUnreachable; callers treat that as "no information", never as
    evidence a task is gone.
  - Executor: side-effecting operations. Directory creation, file and
    case uploads, job submission with a recovery label, task lookup by
    label, status polling, kill, and result download.

File transfer runs through plain SSH sessions: uploads stream a tar
archive into a remote "tar -xf -", downloads stream a remote "tar -cf -"
back. This keeps the wire protocol down to a shell on the far side; no
sftp subsystem is required on the HPC host.

Remote paths are normalized before use: backslashes become forward
slashes and a leading "~/" is stripped, since the shell expands paths
relative to the login home anyway.
*/
package remote
