package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the fabric's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so tests can run without a registry.
type Metrics struct {
	invocations  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	queueWait    *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
}

// NewMetrics creates and registers the fabric collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_fabric_invocations_total",
			Help: "Fabric invocations by channel and outcome.",
		}, []string{"channel", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_fabric_breaker_rejections_total",
			Help: "Calls rejected by an open or saturated breaker.",
		}, []string{"channel"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_fabric_breaker_transitions_total",
			Help: "Breaker state transitions.",
		}, []string{"channel", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_fabric_breaker_state",
			Help: "Breaker state per channel (0 closed, 1 open, 2 half-open).",
		}, []string{"channel"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_fabric_queue_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_fabric_queue_depth",
			Help: "Parked waiters per channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.invocations, m.rejections, m.transitions,
		m.breakerState, m.queueWait, m.queueDepth)
	return m
}

// RecordStateChange implements BreakerMetrics.
func (m *Metrics) RecordStateChange(channel string, from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(channel, from.String(), to.String()).Inc()
	m.breakerState.WithLabelValues(channel).Set(float64(to))
}

// RecordRejection implements BreakerMetrics.
func (m *Metrics) RecordRejection(channel string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(channel).Inc()
}

func (m *Metrics) recordInvocation(channel, outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) recordQueueWait(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.queueWait.WithLabelValues(channel).Observe(seconds)
}

func (m *Metrics) recordQueueDepth(channel string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}
