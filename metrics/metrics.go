// Package metrics exposes Prometheus collectors for the transfer engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the engine's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	bytesTotal       *prometheus.CounterVec
	chunkRetries     prometheus.Counter
	chunkFailures    *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	finishedSessions *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pullsend_transfer_bytes_total",
				Help: "Total plaintext bytes moved, by direction",
			},
			[]string{"direction"},
		),
		chunkRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pullsend_chunk_retries_total",
				Help: "Chunk requests retried after a transient failure",
			},
		),
		chunkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pullsend_chunk_failures_total",
				Help: "Chunk requests that failed permanently, by reason",
			},
			[]string{"reason"},
		),
		activeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pullsend_active_sessions",
				Help: "Live transfer sessions, by direction",
			},
			[]string{"direction"},
		),
		finishedSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pullsend_sessions_finished_total",
				Help: "Terminated transfer sessions, by direction and status",
			},
			[]string{"direction", "status"},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pullsend_session_duration_seconds",
				Help:    "Wall time from session start to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"direction"},
		),
		gatherer: reg,
	}
}

// Handler serves the collectors in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// AddBytes counts n transferred bytes.
func (c *Collector) AddBytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ChunkRetried counts one retry.
func (c *Collector) ChunkRetried() {
	if c == nil {
		return
	}
	c.chunkRetries.Inc()
}

// ChunkFailed counts a permanent chunk failure.
func (c *Collector) ChunkFailed(reason string) {
	if c == nil {
		return
	}
	c.chunkFailures.WithLabelValues(reason).Inc()
}

// SessionStarted marks a session live.
func (c *Collector) SessionStarted(direction string) {
	if c == nil {
		return
	}
	c.activeSessions.WithLabelValues(direction).Inc()
}

// SessionFinished marks a session terminal with the given status.
func (c *Collector) SessionFinished(direction, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.activeSessions.WithLabelValues(direction).Dec()
	c.finishedSessions.WithLabelValues(direction, status).Inc()
	c.sessionDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}
