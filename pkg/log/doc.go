/*
Package log provides structured logging for rec using zerolog.

The log package wraps zerolog to give every node role structured logging
(JSON, or human-readable console output by default) with
component-specific child loggers, configurable levels, and
a small set of helpers for the common logging patterns used across
pkg/broker, pkg/datastore, pkg/executor, and pkg/client.

# Usage

Initializing the logger:

	import "github.com/recfabric/rec/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and context loggers:

	execLog := log.WithComponent("executor")
	execLog.Info().Str("job_id", jobID).Msg("job admitted")

	nodeLog := log.WithEID(self.String())
	nodeLog.Warn().Msg("broker association lost")

# Log Levels

Debug is for development and verbose tracing (data arrival, scheduler
wakeups); Info is the default production level (discovery, job
lifecycle transitions); Warn flags recoverable anomalies (a dropped
bundle, a missed heartbeat); Error marks a failed operation that does
not crash the process; Fatal is reserved for the one documented
unrecoverable condition - the DTN agent socket being unreachable at
registration time.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
