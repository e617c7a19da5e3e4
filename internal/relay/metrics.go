package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// Requests counts relay answers by outcome
	Requests *prometheus.CounterVec
	// ModelLatency tracks how long the model took to answer
	ModelLatency prometheus.Histogram
	// LegacyKeys counts deprecated keys seen in model answers
	LegacyKeys *prometheus.CounterVec
}

// newMetrics registers the relay metrics on reg. A nil reg keeps them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantid_relay_requests_total",
				Help: "Identification relay requests by outcome",
			},
			[]string{"outcome"},
		),
		ModelLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plantid_model_duration_seconds",
				Help:    "Time spent waiting for the identification model",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
			},
		),
		LegacyKeys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantid_model_legacy_keys_total",
				Help: "Deprecated plant record keys returned by the model",
			},
			[]string{"key"},
		),
	}
}
