/*
Package api serves the read-only dashboard over HTTP.

The dashboard exposes the state store, the recent event ring, and the
pool and scheduler counters as JSON. There are no mutating routes: the
supervisor loop owns every state transition, and the dashboard only
observes.

Routes:

	GET /v1/cases        all cases, optionally filtered by ?status=
	GET /v1/cases/{id}   one case with its workflow step audit log
	GET /v1/gpus         the GPU lock table
	GET /v1/events       recent pipeline events, oldest first
	GET /v1/stats        worker pool and scheduler counters
	GET /healthz         component health summary
	GET /metrics         Prometheus exposition
*/
package api
