// Package metrics exposes chunk upload activity as Prometheus metrics.
//
// A nil *Collector is valid and records nothing, so callers that don't
// care about metrics can pass nil around without checks:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewCollector(reg)
//	sched := scheduler.New(scheduler.Config{Metrics: collector}, tr)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chunkupload"

// Chunk attempt results.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Collector is the Prometheus implementation of the scheduler and session metrics.
type Collector struct {
	chunkAttempts  *prometheus.CounterVec
	chunkDuration  prometheus.Histogram
	chunksInFlight prometheus.Gauge
	bytesUploaded  prometheus.Counter
	halts          prometheus.Counter
	sessions       *prometheus.CounterVec
}

// NewCollector registers the upload metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	return &Collector{
		chunkAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_attempts_total",
				Help:      "Total number of chunk upload attempts by result",
			},
			[]string{"result"}, // "completed", "failed"
		),
		chunkDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_attempt_duration_seconds",
				Help:      "Duration of chunk upload attempts",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		chunksInFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks_in_flight",
				Help:      "Number of chunk uploads currently in flight",
			},
		),
		bytesUploaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Total number of payload bytes confirmed by the transport",
			},
		),
		halts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "halts_total",
				Help:      "Total number of scheduler runs stopped by the chunk error threshold",
			},
		),
		sessions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of upload sessions by outcome",
			},
			[]string{"outcome"}, // "complete", "failed", "aborted"
		),
	}
}

// ChunkStarted records a dispatched chunk attempt.
func (c *Collector) ChunkStarted() {
	if c == nil {
		return
	}
	c.chunksInFlight.Inc()
}

// ChunkFinished records the outcome of a chunk attempt.
func (c *Collector) ChunkFinished(completed bool, size int64, took time.Duration) {
	if c == nil {
		return
	}
	c.chunksInFlight.Dec()
	c.chunkDuration.Observe(took.Seconds())
	if !completed {
		c.chunkAttempts.WithLabelValues(ResultFailed).Inc()
		return
	}
	c.chunkAttempts.WithLabelValues(ResultCompleted).Inc()
	c.bytesUploaded.Add(float64(size))
}

// Halted records a run stopped by the error threshold.
func (c *Collector) Halted() {
	if c == nil {
		return
	}
	c.halts.Inc()
}

// SessionFinished records the outcome of an upload pipeline attempt.
func (c *Collector) SessionFinished(outcome string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(outcome).Inc()
}
