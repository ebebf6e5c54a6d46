package scheduler

import (
	"sync"
	"time"
)

// Stats aggregates the successful chunk attempts of a Scheduler across runs.
type Stats struct {
	mu       sync.Mutex
	chunks   int64
	bytes    int64
	duration time.Duration
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records a chunk of size bytes uploaded in d.
func (s *Stats) Update(size int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks++
	s.bytes += size
	s.duration += d
}

// Average returns the mean duration of a successful chunk attempt.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks == 0 {
		return 0
	}
	return s.duration / time.Duration(s.chunks)
}

// FinishedCount returns the number of uploaded chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Bytes returns the number of uploaded bytes.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Throughput returns the bytes per second of a single attempt, ignoring that attempts overlap.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duration <= 0 {
		return 0
	}
	return float64(s.bytes) / s.duration.Seconds()
}
