package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MigrationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posdesk_migration_runs_total",
			Help: "Total number of migration command runs by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "posdesk_migration_duration_seconds",
			Help:    "Wall time of the external migration command",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	CommandsInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posdesk_commands_total",
			Help: "Total number of host commands invoked by outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "posdesk_command_duration_seconds",
			Help:    "Time taken to serve host commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	StoreCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posdesk_store_cache_total",
			Help: "Store read cache hits and misses",
		},
		[]string{"result"},
	)

	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "posdesk_bridge_event_clients",
			Help: "Number of connected event stream clients",
		},
	)

	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posdesk_http_outbound_total",
			Help: "Outbound HTTP requests issued by the http plugin",
		},
		[]string{"method", "status_class"},
	)
)
