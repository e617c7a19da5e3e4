package identifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// httpRequests counts served requests by method and status code
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "code"},
	)

	// httpDuration tracks how long requests took to serve
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantid_http_request_duration_seconds",
			Help:    "Time spent serving HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// activeSessions is the number of live visitor sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantid_active_sessions",
			Help: "Number of live visitor sessions",
		},
	)

	// identifications counts identification attempts by outcome
	identifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_identifications_total",
			Help: "Identification attempts by outcome",
		},
		[]string{"outcome"},
	)

	// cameraSessions counts camera activations by outcome
	cameraSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_camera_activations_total",
			Help: "Camera activations by outcome",
		},
		[]string{"outcome"},
	)
)
