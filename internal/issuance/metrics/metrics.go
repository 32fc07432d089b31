// Package metrics exposes Prometheus metrics for the issuance worker and the
// circuit breaker guarding the downstream API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"invoicer/pkg/platform/circuit"
)

// Processing outcomes.
const (
	OutcomeIssued          = "issued"
	OutcomeSkippedNotFound = "skipped_not_found"
	OutcomeSkippedStatus   = "skipped_status"
	OutcomeConflict        = "conflict"
	OutcomeFailed          = "failed"
	OutcomeUnreconciled    = "unreconciled"
)

type Metrics struct {
	Outcomes           *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	DownstreamRetries  prometheus.Counter
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec
}

// New registers the module metrics on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_issuance_processed_total",
			Help: "Issuance events processed, by outcome",
		}, []string{"outcome"}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoicer_issuance_processing_duration_seconds",
			Help:    "Time spent processing one issuance event, including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		DownstreamRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_issuance_downstream_retries_total",
			Help: "Retries scheduled after a failed downstream attempt",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "invoicer_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"breaker"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_circuit_breaker_transitions_total",
			Help: "Breaker state transitions, by target state",
		}, []string{"breaker", "to"}),
		BreakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_circuit_breaker_rejections_total",
			Help: "Calls rejected while the breaker was open",
		}, []string{"breaker"}),
	}
}

func (m *Metrics) IncrementOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// ObserveProcessing records the duration of one event started at start.
func (m *Metrics) ObserveProcessing(start time.Time) {
	if m == nil {
		return
	}
	m.ProcessingDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRetry() {
	if m == nil {
		return
	}
	m.DownstreamRetries.Inc()
}

// ObserveBreakerState is a circuit.WithOnStateChange hook.
func (m *Metrics) ObserveBreakerState(c circuit.StateChange) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(c.Name).Set(float64(c.To))
	m.BreakerTransitions.WithLabelValues(c.Name, c.To.String()).Inc()
}

// IncrementBreakerRejection is a circuit.WithOnReject hook.
func (m *Metrics) IncrementBreakerRejection(name string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(name).Inc()
}
