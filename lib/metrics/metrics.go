// Package metrics provides metrics collection for meshd.
// All metrics live in a dedicated Prometheus registry exposed by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshd"

// Registry is the meshd metric registry.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Drop reasons for discovery datagrams.
const (
	DropDecode    = "decode"
	DropTruncated = "truncated"
	DropSelf      = "self"
	DropDuplicate = "duplicate"
)

// Skip reasons for billing items.
const (
	SkipNoIdentity    = "no_identity"
	SkipNoDestination = "no_destination"
	SkipNoHistory     = "no_history"
	SkipCounterReset  = "counter_reset"
)

// Discovery metrics
var (
	DiscoveryTicks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "ticks_total",
		Help:      "Total discovery ticks completed",
	})

	AnnouncementsSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "announcements_sent_total",
		Help:      "Total ImHere announcements sent",
	})

	AnnounceFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "announce_failures_total",
		Help:      "Total ImHere announcements that failed to send",
	})

	PacketsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "packets_dropped_total",
		Help:      "Total discovery datagrams discarded, by reason",
	}, []string{"reason"})

	PeersDiscovered = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "peers",
		Help:      "Number of peers in the current discovery table",
	})

	InterfacesListening = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "interfaces",
		Help:      "Number of interfaces with bound discovery sockets",
	})
)

// Billing metrics
var (
	BillingCycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "cycles_total",
		Help:      "Total billing cycles, by result",
	}, []string{"result"})

	PeersSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "peers_skipped_total",
		Help:      "Total billing items skipped, by reason",
	}, []string{"reason"})

	BilledBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "billed_bytes_total",
		Help:      "Total bytes billed to peers, by direction",
	}, []string{"direction"})

	TrackedTunnels = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "tracked_tunnels",
		Help:      "Number of tunnels with usage history",
	})

	CycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of billing cycles",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Sink metrics
var (
	SinkUpdatesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_updates_dropped_total",
		Help:      "Fire-and-forget updates dropped because a sink was full",
	}, []string{"sink"})

	UsageBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "bytes_total",
		Help:      "Bytes accounted by the usage tracker",
	}, []string{"kind", "direction"})

	UsagePrice = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "price",
		Help:      "Price applied in the most recent usage update",
	}, []string{"kind"})

	LedgerPeers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "peers",
		Help:      "Number of peers with a debt balance",
	})
)

// Circuit breaker metrics
var (
	CircuitState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"circuit"})

	CircuitTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "trips_total",
		Help:      "Total number of times a circuit opened",
	}, []string{"circuit"})

	CircuitRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "rejections_total",
		Help:      "Total calls rejected by an open circuit",
	}, []string{"circuit"})
)

// Uptime
var StartTime = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "start_time_seconds",
	Help:      "Unix timestamp when the node started",
})

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(float64(time.Now().Unix()))
}
