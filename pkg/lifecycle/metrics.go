package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lifecycle"

type metrics struct {
	submissions       *prometheus.CounterVec
	broadcastAttempts *prometheus.CounterVec
	confirmation      *prometheus.HistogramVec
}

// newMetrics registers on reg. A nil reg leaves the collectors unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submissions_total",
				Help:      "Submitted transactions by terminal outcome",
			},
			[]string{"chain", "outcome"},
		),
		broadcastAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_attempts_total",
				Help:      "Broadcast calls, retries included",
			},
			[]string{"chain"},
		),
		confirmation: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "confirmation_seconds",
				Help:      "Time from acceptance to a terminal confirmation status",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"chain"},
		),
	}
}
