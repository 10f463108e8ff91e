// Package metrics exports the transport's counters and gauges to
// Prometheus. The per-connection counters mirror the ConnData fields named
// in spec.md §3 one-for-one; they are incremented at the same call site
// that updates the struct field, not scraped from it later, so the
// exported series and the in-memory state can never drift apart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "core"

var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Datagrams sent across all connections.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Datagrams received across all connections.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_sent_total",
		Help:      "Payload bytes sent across all connections.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_received_total",
		Help:      "Payload bytes received across all connections.",
	})
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Droppable outbound buffers discarded after the bandwidth limiter denied them.",
	})
	ReliableDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reliable_duplicates_total",
		Help:      "Reliable datagrams rejected as duplicates of an already-buffered sequence.",
	})
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Reliable buffer retransmissions.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Connections currently tracked in the endpoint table.",
	})
	SignalQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signal_queue_depth",
		Help:      "Connections currently queued for reliable processing.",
	})
	SizedSendQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sized_send_queue_depth",
		Help:      "Connections currently queued for sized-send work.",
	})
	BandwidthDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bandwidth_denied_total",
		Help:      "Send attempts rejected by the bandwidth limiter.",
	})

	RTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rtt_seconds",
		Help:      "Smoothed round-trip time per connection.",
	}, []string{"remote"})

	KicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kicks_total",
		Help:      "Connections kicked by the send worker's lagout path, by reason.",
	}, []string{"reason"})
)
