package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors.
type PrometheusCollectors struct {
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionsByState    *prometheus.GaugeVec
	SharesSubmitted    prometheus.Counter
	SharesAccepted     prometheus.Counter
	SharesRejected     prometheus.Counter
	UpstreamReconnects prometheus.Counter
	LastJob            prometheus.Gauge
}

// initPrometheus initializes and registers prometheus metrics.
func initPrometheus(namespace string) *PrometheusCollectors {
	// Helper to safely register or get existing collector
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SessionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live client sessions",
	})).(prometheus.Gauge)

	pc.SessionsTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of client sessions accepted",
	})).(prometheus.Counter)

	pc.SessionsByState = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_by_state",
		Help:      "Live sessions broken down by protocol state",
	}, []string{"state"})).(*prometheus.GaugeVec)

	pc.SharesSubmitted = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_submitted_total",
		Help:      "Total number of shares forwarded upstream",
	})).(prometheus.Counter)

	pc.SharesAccepted = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_accepted_total",
		Help:      "Total number of accepted shares",
	})).(prometheus.Counter)

	pc.SharesRejected = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_rejected_total",
		Help:      "Total number of rejected shares",
	})).(prometheus.Counter)

	pc.UpstreamReconnects = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_reconnects_total",
		Help:      "Total number of pool leg reconnection attempts",
	})).(prometheus.Counter)

	pc.LastJob = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_job_timestamp_seconds",
		Help:      "Unix time of the most recent job received from any pool",
	})).(prometheus.Gauge)

	return pc
}
