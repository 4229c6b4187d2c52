/*
Package metrics provides Prometheus metrics collection and exposition for
Ravel.

The metrics package defines and registers every Ravel metric using the
Prometheus client library: role/term/index gauges, RPC and replication
latency histograms, and compaction/session counters. Metrics are exposed
via an HTTP endpoint for scraping by Prometheus servers, and a Collector
samples server state on an interval to keep the gauges current.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Categories               │          │
	│  │                                              │          │
	│  │  Role/Term: current role, current term      │          │
	│  │  Log: lastLogIndex, commitIndex,            │          │
	│  │        globalIndex, lastApplied             │          │
	│  │  Cluster: active/passive member counts      │          │
	│  │  Session: open sessions, expirations        │          │
	│  │  Election: elections started, votes granted │          │
	│  │  RPC: requests by topic/outcome, duration   │          │
	│  │  Compaction: duration, entries discarded    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │               Collector                      │          │
	│  │  - Polls a metrics.Sources on an interval    │          │
	│  │  - Sources is implemented by server.Context  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: metrics.Handler()                │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	collector := metrics.NewCollector(serverCtx)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())

Recording a replication latency sample:

	timer := metrics.NewTimer()
	err := log.Append(entry)
	timer.ObserveDuration(metrics.AppendDuration)

# Health and Readiness

RegisterComponent/UpdateComponent track component health (consensus,
raftlog, transport); GetReadiness treats those three as critical — a
server is not "ready" until all three have reported healthy at least
once.

# Integration Points

  - pkg/consensus: elections started, current role
  - pkg/server: registers component health, counts commands and expired
    sessions
  - cmd/ravel: starts the Collector and serves the metrics and health
    endpoints
*/
package metrics
