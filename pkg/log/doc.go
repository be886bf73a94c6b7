/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers and configurable log levels. All
logs include timestamps and support filtering by severity for production
debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Configuration:
  - Level: debug, info, warn, error
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for the log destination

Context Loggers:
  - WithComponent: tag all lines with the subsystem name

# Usage

Initializing:

	log.Init(log.Config{
		Level:      "info",
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("pool_id", pool.ID).Msg("resource claimed")
	logger.Error().Err(err).Msg("claim failed")

# Output Examples

JSON format (production):

	{"level":"info","component":"reconciler","time":"2026-08-24T10:30:00Z","message":"pool reconciled"}

Console format (development):

	10:30:00 INF pool reconciled component=reconciler

# Security

Never log secrets: tunnel tickets and actor tokens must not appear in
log lines. Use resource and assignment IDs as correlation keys instead.
*/
package log
