package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "invoicer_store_operation_duration_ms",
	Help:    "Latency of invoice request store operations in milliseconds",
	Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
}, []string{"backend", "operation"})

// observe records the elapsed time since start. Use with defer.
func observe(backend, operation string, start time.Time) {
	operationDurationMs.WithLabelValues(backend, operation).
		Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}
