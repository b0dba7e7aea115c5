package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Subsystem: "device",
			Name:      "exchanges_total",
			Help:      "Device command exchanges by request type and outcome.",
		},
		[]string{"request", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keychain",
			Subsystem: "device",
			Name:      "exchange_duration_seconds",
			Help:      "Device command exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"request", "outcome"},
	)
	malformedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Subsystem: "session",
			Name:      "malformed_frames_total",
			Help:      "Command-mode segments discarded because they did not decode.",
		},
	)
	artifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Subsystem: "session",
			Name:      "artifact_bytes_total",
			Help:      "Data-mode bytes received, split by kept and discarded.",
		},
		[]string{"disposition"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Subsystem: "status",
			Name:      "transitions_total",
			Help:      "Applied device status transitions.",
		},
		[]string{"status"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by server, method, path and status.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keychain",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(exchanges, exchangeDuration, malformedFrames, artifactBytes, statusTransitions, httpRequests, httpDuration)
	})
}

func RecordExchange(request, outcome string, duration time.Duration) {
	RegisterMetrics()
	exchanges.WithLabelValues(request, outcome).Inc()
	exchangeDuration.WithLabelValues(request, outcome).Observe(duration.Seconds())
}

func RecordMalformedFrame() {
	RegisterMetrics()
	malformedFrames.Inc()
}

func RecordArtifactBytes(kept, discarded int) {
	RegisterMetrics()
	if kept > 0 {
		artifactBytes.WithLabelValues("kept").Add(float64(kept))
	}
	if discarded > 0 {
		artifactBytes.WithLabelValues("discarded").Add(float64(discarded))
	}
}

func RecordStatusTransition(status string) {
	RegisterMetrics()
	statusTransitions.WithLabelValues(status).Inc()
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	httpRequests.WithLabelValues(server, method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(server, method, path).Observe(duration.Seconds())
}
