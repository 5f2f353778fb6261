/*
Package log provides structured logging for Heron using zerolog.

A single package-level Logger is configured once by Init and shared by every
component. Components derive child loggers that carry identifying fields:

	logger := log.WithComponent("worker")
	logger.Info().Str("entity", code).Msg("refresh persisted")

# Output

Console output is the default and is meant for terminals:

	10:30AM INF refresh persisted component=worker entity=600519

JSONOutput switches to one JSON object per line for log shippers:

	{"level":"info","component":"worker","entity":"600519","time":"...","message":"refresh persisted"}

# Context Loggers

  - WithComponent: component name (scheduler, worker, lock, ...)
  - WithNodeID: cluster node address
  - WithTaskID: refresh task id
  - WithEntity: watched entity code
  - WithTraceID: scan or loop trace id

# Foreign Writers

Writer adapts the logger to an io.Writer so that libraries which only accept
a writer (hashicorp/raft) end up in the same stream:

	cfg.LogOutput = log.Writer("raft", zerolog.InfoLevel)
*/
package log
