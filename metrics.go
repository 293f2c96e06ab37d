package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_gateway_calls_total",
			Help: "Remote calls by operation and outcome kind",
		},
		[]string{"op", "outcome"},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_gateway_call_duration_seconds",
			Help:    "Remote call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_cache_refresh_total",
			Help: "Collection refresh attempts by outcome",
		},
		[]string{"collection", "outcome"},
	)

	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_writes_total",
			Help: "Writes by operation and final state",
		},
		[]string{"op", "state"},
	)

	healthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_health_probes_total",
			Help: "Backend reachability probes by result",
		},
		[]string{"result"},
	)

	healthyGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_backend_healthy",
			Help: "1 when the cached health verdict is healthy",
		},
	)

	sessionTeardownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_session_teardowns_total",
			Help: "Session teardowns by reason",
		},
		[]string{"reason"},
	)
)

func boolLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
