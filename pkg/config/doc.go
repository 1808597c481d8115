/*
Package config loads and validates the communicator's YAML configuration.

A single file configures the whole process: the case scan directory, the
state database path, the HPC connection, local tool locations, supervisor
loop tuning, priority scheduling, the optional dashboard, and the workflow
step list. Load applies defaults before validating, so a minimal file only
needs the scanner watch path and the HPC host.

Invalid configuration is a startup error; the process exits rather than
running with a partially understood file.
*/
package config
