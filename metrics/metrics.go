// Package metrics defines prometheus metric types and convenience counters
// for the protocol engine.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things entering or leaving the engine: frames, packets, segments.
//   - the success or error status of any of the above.
//   - the distribution of processing latency (ARP resolution, RTT samples).
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DroppedPackets counts packets dropped by the engine, labeled by the
	// protocol layer and reason (checksum, format, no-route, ...).
	DroppedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_dropped_packets_total",
			Help: "Packets dropped by the engine, by layer and reason.",
		},
		[]string{"layer", "reason"})

	// ARPRetries counts ARP request retransmissions on a pending entry.
	ARPRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_arp_retries_total",
			Help: "ARP request retransmissions due to pending-entry timeout.",
		})

	// ARPTimeouts counts ARP entries freed after exhausting retries.
	ARPTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_arp_timeouts_total",
			Help: "ARP entries freed after exhausting their retry budget.",
		})

	// ARPQueueDrops counts buffers dropped because an entry's pending
	// queue was full.
	ARPQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_arp_queue_drops_total",
			Help: "Buffers dropped because an ARP entry's pending queue was full.",
		})

	// ReassemblyContexts tracks live IPv4 reassembly contexts.
	ReassemblyContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstack_ip_reassembly_contexts",
			Help: "Number of in-flight IPv4 reassembly contexts.",
		})

	// ReassemblyTimeouts counts reassembly contexts freed by timeout.
	ReassemblyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_ip_reassembly_timeouts_total",
			Help: "IPv4 reassembly contexts freed after timing out incomplete.",
		})

	// TCPActiveConns tracks live TCP control blocks.
	TCPActiveConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstack_tcp_active_connections",
			Help: "Number of TCP control blocks currently allocated.",
		})

	// TCPRetransmits counts TCP segment retransmissions, labeled by cause.
	TCPRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_retransmits_total",
			Help: "TCP retransmissions, by trigger (timeout, fast-retransmit).",
		},
		[]string{"cause"})

	// TCPRTTSample tracks measured RTT samples in seconds.
	TCPRTTSample = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netstack_tcp_rtt_seconds",
			Help:    "Measured TCP round-trip-time samples.",
			Buckets: prometheus.DefBuckets,
		})

	// TCPStateTransitions counts TCB state machine transitions.
	TCPStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_state_transitions_total",
			Help: "TCP control block state transitions, by destination state.",
		},
		[]string{"state"})

	// ArchiveFileCount counts rotated archive files opened by the archive
	// writer.
	ArchiveFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_archive_file_count_total",
			Help: "Archive files opened by the TCP event archive writer.",
		})

	// ArchiveRecordsWritten counts archived records written.
	ArchiveRecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_archive_records_written_total",
			Help: "Archived TCP event records written to disk.",
		})

	// CacheSizeHistogram tracks how many connections cache.Cache is tracking
	// at the end of each archival scan cycle.
	CacheSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netstack_cache_size",
			Help:    "Number of connections tracked per archival scan cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})

	// FlowEventsCounter counts eventsocket notifications sent, by kind
	// (open/close).
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_flow_events_total",
			Help: "Connection lifecycle notifications sent over the event socket.",
		},
		[]string{"kind"})
)

// init prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the
// exact time this occurs can be opaque.
func init() {
	log.Println("Prometheus metrics in netstack.metrics are registered.")
}
