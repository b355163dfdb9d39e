/*
Package log provides structured logging for AsyncGate built on zerolog.

A single global logger is initialized once at startup via Init and shared
by all packages. Components derive child loggers with WithComponent so
every line carries its origin; WithTenant, WithTaskID, and WithLeaseID
add the common correlation fields.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("sweeper")
	logger.Info().Str("instance", id).Msg("sweep tick complete")

JSON output is used in production; console output with timestamps is for
local development.
*/
package log
