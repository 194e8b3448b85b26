package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchgate_connections_open",
			Help: "Currently open websocket connections",
		},
		[]string{"protocol"}, // matchmaking|xmpp
	)

	TicketsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchgate_tickets_created_total",
			Help: "Total matchmaking tickets created",
		},
	)

	QueuedPlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchgate_queued_players",
			Help: "Players currently waiting across all queue partitions",
		},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchgate_allocations_total",
			Help: "Total server allocation attempts",
		},
		[]string{"result"}, // success|failure
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchgate_allocation_duration_seconds",
			Help:    "Duration of server allocation processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegisteredServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchgate_registered_servers",
			Help: "Game servers currently in the registry",
		},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsOpen)
	prometheus.MustRegister(TicketsCreated)
	prometheus.MustRegister(QueuedPlayers)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(RegisteredServers)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
