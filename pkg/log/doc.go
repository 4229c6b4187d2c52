/*
Package log provides structured logging for Ravel using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("consensus")               │          │
	│  │  - WithServer("server-3")                   │          │
	│  │  - WithTerm(42)                              │          │
	│  │  - WithSession(7001)                         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  {"level":"info","component":"consensus",   │          │
	│  │   "term":42,"message":"became leader"}      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	consensusLog := log.WithComponent("consensus")
	consensusLog.Info().Uint64("term", term).Msg("became leader")

	sessionLog := log.WithComponent("session").With().Uint64("session", id).Logger()
	sessionLog.Warn().Msg("session expired")

# Integration Points

This package integrates with:

  - pkg/server: logs entries the apply loop could not apply
  - pkg/raftlog: logs compaction passes
  - pkg/statemachine: logs session register/expire/close hooks
  - pkg/transport: logs the gRPC server stopping with an error
  - pkg/ravelclient: logs keep-alive failures

# Best Practices

Do:
  - Use structured fields (term, session, index) instead of string formatting
  - Create component-specific loggers once and reuse them
  - Log role transitions and compaction results at Info, everything else at Debug

Don't:
  - Log command/query payloads (may contain application data)
  - Log in the hot path of Append/Apply without sampling
*/
package log
