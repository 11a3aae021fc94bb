package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_sent_total",
		Help: "Total outbound messages by final status.",
	}, []string{"status"})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_received_total",
		Help: "Total inbound messages by outcome.",
	}, []string{"status"})
	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_send_retries_total",
		Help: "Total send attempts beyond the first.",
	})
	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_send_duration_seconds",
		Help:    "Duration of complete send operations including retries.",
		Buckets: prometheus.DefBuckets,
	})
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_dead_letters",
		Help: "Current dead-letter queue depth.",
	})
	QueueReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_queue_replays_total",
		Help: "Total dead-letter replays by outcome.",
	}, []string{"outcome"})
	CircuitsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_circuits_open",
		Help: "Number of peers with an open circuit breaker.",
	})
	PeersReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_peers_reachable",
		Help: "Peers reachable at the last probe cycle.",
	})
	PeersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_peers_total",
		Help: "Peers in the registry.",
	})
	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_probe_latency_seconds",
		Help:    "Peer probe round-trip latency.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"peer"})
	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_conversations_active",
		Help: "Conversations in a non-terminal state.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_sessions_active",
		Help: "Sessions currently tracked.",
	})
	NoncesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_nonces_tracked",
		Help: "Nonces currently held in the replay log.",
	})
)
