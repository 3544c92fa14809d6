package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegisops/aegis/pkg/models"
)

// Metrics holds the orchestrator collectors. A nil *Metrics is a valid no-op
// receiver so tests run without a registry.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the orchestrator collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_incidents_total",
			Help: "Terminal incident outcomes.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_phase_duration_seconds",
			Help:    "Wall time spent per lifecycle phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"phase"}),
	}
	reg.MustRegister(m.outcomes, m.phaseDuration)
	return m
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePhase(phase models.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}
