/*
Package log provides structured logging for the MQI Communicator.

Built on zerolog, the package exposes a global logger initialized once at
startup plus helpers that derive child loggers with contextual fields.
Components hold a child logger carrying their component name; per-case
operations add case_id, step, and gpu_group fields so a single case can be
traced across the supervisor, workers, and remote calls.

# Usage

Initialize once in main:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Derive contextual loggers:

	logger := log.WithComponent("supervisor")
	caseLog := log.WithCaseID(c.ID)
	caseLog.Info().Str("step", "upload").Msg("step started")

Failures carry classification fields:

	logger.Error().
		Err(err).
		Str("error_category", string(cat)).
		Bool("is_retryable", retryable).
		Msg("step failed")

The default output is human-readable console format; JSON output is used
when the process logs to a file or a collector.
*/
package log
