/*
Package metrics provides Prometheus metrics and health endpoints for the sync
engine.

All collectors are package-level variables registered in init() and named
under the codesync_ prefix, so any package can record observations without
carrying a registry handle. The Collector copies engine-owned gauges
(resident documents, subscriptions, connections) into Prometheus on a fixed
tick; counters and histograms are recorded inline at the call sites.

# Metrics

Connections and sessions:
  - codesync_connections_active{peer_kind}: live connections per peer kind
  - codesync_messages_received_total{kind}: inbound frames
  - codesync_message_errors_total{code}: typed per-message rejects
  - codesync_handler_duration_seconds{kind}: dispatch latency
  - codesync_slow_consumer_kicks_total: queue-overflow disconnects

Document store:
  - codesync_documents_live / codesync_documents_dirty
  - codesync_updates_applied_total / codesync_updates_rejected_total{code}
  - codesync_attaches_total{result}
  - codesync_evictions_total

Snapshots and fan-out:
  - codesync_flushes_total{result}, codesync_flush_duration_seconds
  - codesync_broadcast_fanout

# Health

RegisterComponent/UpdateComponent feed /healthz; /readyz additionally
requires every critical component (snapshot-store, document-store, api) to be
healthy before reporting ready. LivenessHandler answers as long as the
process runs.

# Usage

	metrics.UpdatesApplied.Inc()
	metrics.UpdatesRejected.WithLabelValues(errdefs.Code(err)).Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
*/
package metrics
