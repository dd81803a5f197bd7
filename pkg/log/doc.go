/*
Package log provides structured logging for hutch using zerolog.

The log package wraps zerolog with a global logger, configurable levels and
console or JSON output, plus child-logger helpers that attach the fields every
orchestration log line should carry.

# Usage

Initializing the Logger:

	import "github.com/cuemby/hutch/pkg/log"

	// Console output (default for the desktop CLI)
	log.Init(log.Config{
		Level:  log.InfoLevel,
		Output: os.Stderr,
	})

	// JSON output (piped into a log collector)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: true,
	})

Context Loggers:

	// Component logs
	storeLog := log.WithComponent("storage")
	storeLog.Debug().Msg("Opened database")

	// Namespace logs (reconciliation loop)
	nsLog := log.WithNamespace("dev")
	nsLog.Info().Str("status", "RUNNING").Msg("Namespace status changed")

	// Application logs (actions)
	appLog := log.WithApp("dev", "postgres")
	appLog.Warn().Int("attempt", 2).Err(err).Msg("Pull failed, retrying")

Before Init is called the global logger writes JSON to stderr, so packages
used from tests log without setup.

# Fields

  - component: subsystem name (storage, engine, metrics)
  - namespace: namespace name
  - app: application name
  - attempt: retry attempt index (actions)
  - image: image reference (pull action)
  - container_id: engine container id (start and stop actions)
*/
package log
