package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultAcked        = "acked"
	resultRequeued     = "requeued"
	resultDeadLettered = "dead_lettered"
)

type Metrics struct {
	Published  *prometheus.CounterVec
	Consumed   *prometheus.CounterVec
	Reconnects *prometheus.CounterVec
}

// NewMetrics registers queue metrics on reg, or on the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_queue_published_total",
			Help: "Messages handed to the transport, by topic and result",
		}, []string{"topic", "result"}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_queue_consumed_total",
			Help: "Messages settled by the consumer, by topic and result",
		}, []string{"topic", "result"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_queue_reconnects_total",
			Help: "Consumer resubscriptions after a lost or failed subscription",
		}, []string{"topic"}),
	}
}

func (m *Metrics) incPublished(topic string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Published.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) incConsumed(topic, result string) {
	if m == nil {
		return
	}
	m.Consumed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) incReconnect(topic string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(topic).Inc()
}
