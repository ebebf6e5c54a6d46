package scheduler

import (
	"time"
)

// DefaultConcurrency is the number of chunk attempts in flight when Config.Concurrency is not set.
const DefaultConcurrency = 3

// Metrics receives scheduler activity. *metrics.Collector implements it.
type Metrics interface {
	ChunkStarted()
	ChunkFinished(completed bool, size int64, took time.Duration)
	Halted()
}

// Config holds configuration for the scheduler.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: 3
	Concurrency int

	// Metrics is optional.
	Metrics Metrics
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
	}
}

// HaltThreshold returns the number of errored chunks that stops a run over chunkCount chunks.
// Small uploads give up on the first failure.
func HaltThreshold(chunkCount int) int {
	if chunkCount <= 3 {
		return 1
	}
	return 3
}

type noopMetrics struct{}

func (noopMetrics) ChunkStarted()                            {}
func (noopMetrics) ChunkFinished(bool, int64, time.Duration) {}
func (noopMetrics) Halted()                                  {}
