/*
Package workflow drives one case through its ordered step pipeline.

The step list comes from configuration; the default pipeline is
preprocess, generate-tps, upload, submit, poll, download, postprocess.
Each step carries an on-start, on-success, and on-failure case status
plus an optional retry policy keyed on fault categories. Every attempt
gets a fresh 8 character run id so that remote retries land in their
own directory.

The engine persists a step audit record around every attempt and can
resume a half-finished case: the starting step is the one after the
highest step whose on-success status matches the case's current status.
A case whose status matches an on-failure or on-start status restarts
at that step.
*/
package workflow
