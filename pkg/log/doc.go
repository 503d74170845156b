/*
Package log provides structured logging for the sync engine using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all engine packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)

Context Loggers:
  - WithComponent: Add component name to all logs
  - Further context (bucket ID, connection ID, path) is added at the call
    site with zerolog's With()/Str() chain

# Usage

Initializing the Logger:

	import "github.com/studioclass/codesync/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("bucket_id", "ws-platformer-a1").
		Str("path", "src/main.py").
		Msg("document attached")

	log.Logger.Error().
		Err(err).
		Str("conn_id", "conn-7f3a").
		Msg("websocket write failed")

Component Loggers:

	routerLog := log.WithComponent("room-router")
	routerLog.Info().Msg("starting fan-out loop")

	docLog := routerLog.With().
		Str("bucket_id", "ws-platformer-a1").
		Str("path", "src/main.py").
		Logger()
	docLog.Debug().Int("update_bytes", 42).Msg("update applied")

# Integration Points

This package integrates with:

  - pkg/document: Logs attach, apply, flush, and eviction
  - pkg/room: Logs subscription changes and slow-consumer kicks
  - pkg/session: Logs connection lifecycle and protocol errors
  - pkg/snapshot: Logs object-store reads and writes
  - pkg/agent: Logs filesystem sync and reconnect attempts
  - pkg/api: Logs HTTP endpoints and websocket upgrades

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for consistent formatting
  - Include context (bucket ID, connection ID, path)

Don't:
  - Log tokens or document contents
  - Use Debug level in production
  - Log per-keystroke in the update hot path (use sampling or counters)
  - Concatenate strings (use .Str, .Int)
*/
package log
