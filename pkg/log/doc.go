/*
Package log provides structured logging for the replication engine
using zerolog.

The log package wraps zerolog to provide JSON or console structured
logging with per-scope child loggers (member, shard) and helper
functions for the common levels. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/cuemby/gondola/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Scoped loggers:

	l := log.WithMember(7)
	l.Info().Msg("became leader")

	log.Logger.Error().
		Err(err).
		Int("member_id", 7).
		Msg("append entries failed")

# Trace gating

The gondola.tracing.* config keys set a runtime flag (cmd/raftd
watches gondola.tracing.enabled and calls SetTracing); reading it with
TracingEnabled costs a single atomic bool load. No package in this
module consults the flag: Debug()-level calls on the Raft hot path are
filtered by the log level alone.
*/
package log
