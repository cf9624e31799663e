package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	blockedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionsolar_rate_limit_blocked_total",
			Help: "Requests refused locally by the rate-limit guard",
		},
		[]string{"provider", "account", "reason"},
	)
	cooldownGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fusionsolar_rate_limit_cooldown_seconds",
			Help: "Length of the most recent pushback pause",
		},
		[]string{"provider", "account"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fusionsolar_rate_limit_last_status_code",
			Help: "Last HTTP status code seen by the guard",
		},
		[]string{"provider", "account"},
	)
)

// MetricsCollectors returns the guard collectors shared by every scope.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{blockedCounter, cooldownGauge, lastStatusGauge}
}
