/*
Package watcher registers new case directories for processing.

A case arrives as a directory copied into the watch path. The watcher
combines fsnotify events with a quiescence timer: registration is deferred
until no write activity has been seen for the configured settle period, so
a case is never picked up while its files are still being copied. Newly
created case directories are added to the fsnotify watch for the duration
of the settle window so that writes inside them keep pushing the timer
back.

A periodic rescan catches directories that appeared while the process was
down or whose events were lost. Registration is idempotent: a path already
present in the state store is skipped.
*/
package watcher
