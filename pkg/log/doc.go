/*
Package log provides structured logging for the orchestrator built on
zerolog.

Init configures the global logger once at startup (level, JSON or
console output). Components obtain child loggers carrying stable
fields:

	logger := log.WithComponent("engine")
	logger.Info().Str("task_id", id).Msg("task scheduled")

WithNodeID and WithTaskID attach the corresponding correlation fields
for code paths scoped to a single node or task.
*/
package log
