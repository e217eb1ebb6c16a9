package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of open realtime connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of realtime connections accepted.",
	})

	// Session metrics
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_created_total",
		Help: "The total number of sessions created.",
	})
	SessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_deleted_total",
		Help: "The total number of sessions explicitly deleted.",
	})

	// Fan-out metrics
	PushesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_pushes_delivered_total",
		Help: "The total number of pushes delivered to subscribers.",
	}, []string{"type"})
	PushesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pushes_failed_total",
		Help: "The total number of pushes that failed delivery to a stale connection.",
	})
)
