// Package metrics provides collection and reporting of relay metrics.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds all relay counters. Sessions and the registry update it
// through atomic operations; the status endpoint and the report loop read it.
type Collector struct {
	// Session metrics
	SessionsActive atomic.Int64
	SessionsTotal  atomic.Uint64

	// Share metrics
	SharesSubmitted atomic.Uint64
	SharesAccepted  atomic.Uint64
	SharesRejected  atomic.Uint64

	// Upstream leg metrics
	UpstreamReconnects atomic.Uint64
	LastJobUnix        atomic.Int64

	prom *PrometheusCollectors
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// WithPrometheus attaches prometheus collectors so every update is mirrored
// into the default registry.
func (m *Collector) WithPrometheus(namespace string) *Collector {
	m.prom = initPrometheus(namespace)
	return m
}

// Prometheus returns the attached collectors, nil when not enabled.
func (m *Collector) Prometheus() *PrometheusCollectors {
	return m.prom
}

// SessionOpened records a newly registered session.
func (m *Collector) SessionOpened() {
	m.SessionsActive.Add(1)
	m.SessionsTotal.Add(1)
	if m.prom != nil {
		m.prom.SessionsActive.Inc()
		m.prom.SessionsTotal.Inc()
	}
}

// SessionClosed records a torn-down session.
func (m *Collector) SessionClosed() {
	m.SessionsActive.Add(-1)
	if m.prom != nil {
		m.prom.SessionsActive.Dec()
	}
}

// ShareSubmitted records one share forwarded upstream.
func (m *Collector) ShareSubmitted() {
	m.SharesSubmitted.Add(1)
	if m.prom != nil {
		m.prom.SharesSubmitted.Inc()
	}
}

// ShareAccepted records one accepted share.
func (m *Collector) ShareAccepted() {
	m.SharesAccepted.Add(1)
	if m.prom != nil {
		m.prom.SharesAccepted.Inc()
	}
}

// ShareRejected records one rejected share.
func (m *Collector) ShareRejected() {
	m.SharesRejected.Add(1)
	if m.prom != nil {
		m.prom.SharesRejected.Inc()
	}
}

// UpstreamReconnect records one reconnection attempt on a pool leg.
func (m *Collector) UpstreamReconnect() {
	m.UpstreamReconnects.Add(1)
	if m.prom != nil {
		m.prom.UpstreamReconnects.Inc()
	}
}

// JobReceived records the arrival time of the latest pool job.
func (m *Collector) JobReceived(t time.Time) {
	m.LastJobUnix.Store(t.Unix())
	if m.prom != nil {
		m.prom.LastJob.Set(float64(t.Unix()))
	}
}

// SetSessionsByState mirrors the per-state session gauge; called from the
// registry sweep.
func (m *Collector) SetSessionsByState(state string, n int) {
	if m.prom != nil {
		m.prom.SessionsByState.WithLabelValues(state).Set(float64(n))
	}
}
