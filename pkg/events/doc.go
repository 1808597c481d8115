/*
Package events distributes case and GPU lifecycle events.

The broker fans published events out to subscribers over buffered channels
and keeps a bounded ring of recent events for the dashboard. Publishing
never blocks the pipeline: a subscriber that falls behind loses events
rather than stalling a worker.

Event types cover case registration, per-step progress, terminal outcomes,
GPU lock transitions, and supervisor recovery actions.
*/
package events
