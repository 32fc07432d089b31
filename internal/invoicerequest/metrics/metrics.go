package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the producer side of invoice requests.
type Metrics struct {
	RequestsCreated   prometheus.Counter
	RequestsCancelled prometheus.Counter
	PublishFailures   prometheus.Counter
	EventsRequeued    prometheus.Counter
	CreateDuration    prometheus.Histogram
}

// New registers the module metrics on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RequestsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_invoice_requests_created_total",
			Help: "Total number of invoice requests accepted",
		}),
		RequestsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_invoice_requests_cancelled_total",
			Help: "Total number of invoice requests cancelled before issuance",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_issuance_event_publish_failures_total",
			Help: "Issuance events that could not be handed to the queue",
		}),
		EventsRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_issuance_events_requeued_total",
			Help: "Issuance events republished for pending requests",
		}),
		CreateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoicer_create_invoice_request_duration_seconds",
			Help:    "Duration of request creation including persistence and publish",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m == nil {
		return
	}
	m.RequestsCreated.Inc()
}

func (m *Metrics) IncrementCancelled() {
	if m == nil {
		return
	}
	m.RequestsCancelled.Inc()
}

func (m *Metrics) IncrementPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) AddRequeued(n int) {
	if m == nil {
		return
	}
	m.EventsRequeued.Add(float64(n))
}

// ObserveCreate records the duration of a Create call started at start.
func (m *Metrics) ObserveCreate(start time.Time) {
	if m == nil {
		return
	}
	m.CreateDuration.Observe(time.Since(start).Seconds())
}
