package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codesync_connections_active",
			Help: "Active sync connections by peer kind",
		},
		[]string{"peer_kind"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_messages_received_total",
			Help: "Inbound frames by kind",
		},
		[]string{"kind"},
	)

	MessageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_message_errors_total",
			Help: "Per-message errors answered to peers, by wire code",
		},
		[]string{"code"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesync_handler_duration_seconds",
			Help:    "Message handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SlowConsumerKicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_slow_consumer_kicks_total",
			Help: "Connections dropped because their outbound queue overflowed",
		},
	)

	// Document store metrics
	DocumentsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_documents_live",
			Help: "Documents currently resident in memory",
		},
	)

	DocumentsDirty = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_documents_dirty",
			Help: "Resident documents with unflushed changes",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_subscriptions_active",
			Help: "Active document subscriptions across all rooms",
		},
	)

	UpdatesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_updates_applied_total",
			Help: "CRDT updates accepted by the document store",
		},
	)

	UpdatesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_updates_rejected_total",
			Help: "CRDT updates rejected by the document store, by wire code",
		},
		[]string{"code"},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_evictions_total",
			Help: "Idle documents evicted by the sweeper",
		},
	)

	AttachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_attaches_total",
			Help: "Document attach operations by result",
		},
		[]string{"result"},
	)

	// Snapshot metrics
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_flushes_total",
			Help: "Snapshot flushes by result",
		},
		[]string{"result"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codesync_flush_duration_seconds",
			Help:    "Snapshot flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	BroadcastFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codesync_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessageErrors)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(SlowConsumerKicks)
	prometheus.MustRegister(DocumentsLive)
	prometheus.MustRegister(DocumentsDirty)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(UpdatesApplied)
	prometheus.MustRegister(UpdatesRejected)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(AttachesTotal)
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(BroadcastFanout)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
