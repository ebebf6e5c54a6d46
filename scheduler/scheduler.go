// Package scheduler uploads the chunks of one session with bounded concurrency.
// It tolerates a few failed chunks and stops the run once too many of them errored.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var (
	// ErrMultipleChunkHalt is returned when the number of errored chunks reaches the halt threshold.
	ErrMultipleChunkHalt = errors.New("multiple chunk halt")

	// ErrSuspended is returned when a run stopped dispatching because it was suspended.
	ErrSuspended = errors.New("chunk scheduling suspended")

	// ErrIncomplete is matched by *IncompleteError.
	ErrIncomplete = errors.New("chunks left unresolved")
)

// IncompleteError is returned when every attempt of a run resolved but some chunks errored
// without reaching the halt threshold.
type IncompleteError struct {
	Indices []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s: %v", ErrIncomplete, e.Indices)
}

// Is ...
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

// Job is the input of a run.
type Job struct {
	Session transport.SessionMetadata
	Chunks  []chunk.Chunk
	Payload io.ReaderAt

	// OnProgress is called by the Run goroutine after each completed chunk with the completed
	// fraction of the payload.
	OnProgress func(progress float64)
}

// Scheduler dispatches chunk attempts to a transport.
type Scheduler struct {
	config    Config
	transport transport.Transport
	logger    log.Logger
	metrics   Metrics
	stats     *Stats
}

// New creates a Scheduler uploading through tr.
func New(config Config, tr transport.Transport, logger log.Logger) *Scheduler {
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConcurrency
	}

	var m Metrics = noopMetrics{}
	if config.Metrics != nil {
		m = config.Metrics
	}

	return &Scheduler{
		config:    config,
		transport: tr,
		logger:    logger,
		metrics:   m,
		stats:     NewStats(),
	}
}

// Stats returns the upload statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run uploads every chunk of job that acc doesn't hold as completed.
//
// Attempts start in chunk order, at most Config.Concurrency at a time. Outcomes are folded into
// acc by the calling goroutine only. Run returns nil once every chunk is completed and
// ErrMultipleChunkHalt once the errored chunks reach HaltThreshold; attempts still in flight
// at that point are cancelled and their outcomes dropped.
//
// Closing suspend stops new attempts. Run then waits for the attempts in flight, folds them and
// returns ErrSuspended, so a later Run with the same acc continues where this one stopped.
func (s *Scheduler) Run(ctx context.Context, job Job, acc *Accumulator, suspend <-chan struct{}) error {
	total := len(job.Chunks)
	if total == 0 {
		return fmt.Errorf("%w: no chunks", chunk.ErrInvalidLayout)
	}

	var pending []chunk.Chunk
	for _, c := range job.Chunks {
		if !acc.IsCompleted(c.Index) {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	s.logger.Debugf("Uploading %d of %d chunks, %d at a time", len(pending), total, s.config.Concurrency)

	threshold := HaltThreshold(total)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Outcome, len(pending))
	next, inFlight := 0, 0
	suspended := false

	for {
		for !suspended && next < len(pending) && inFlight < s.config.Concurrency {
			select {
			case <-suspend:
				suspended = true
				s.logger.Debugf("Scheduling suspended with %d chunks in flight", inFlight)
				continue
			default:
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			c := pending[next]
			next++
			if acc.IsCompleted(c.Index) {
				continue
			}

			inFlight++
			s.metrics.ChunkStarted()
			go func(c chunk.Chunk) {
				results <- s.attempt(runCtx, job, c)
			}(c)
		}

		if inFlight == 0 {
			if suspended {
				return ErrSuspended
			}
			if acc.CompletedCount() >= total {
				s.logger.Debugf("Uploaded %d chunks of session %s [total=%s] [avg=%v] [throughput=%s/s]",
					s.stats.FinishedCount(), job.Session.FileKey, units.BytesSize(float64(s.stats.Bytes())),
					s.stats.Average().Round(time.Millisecond), units.BytesSize(s.stats.Throughput()))
				return nil
			}
			return &IncompleteError{Indices: acc.Errored()}
		}

		var suspendCh <-chan struct{}
		if !suspended {
			suspendCh = suspend
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-suspendCh:
			suspended = true
			s.logger.Debugf("Scheduling suspended with %d chunks in flight", inFlight)
		case outcome := <-results:
			inFlight--
			if acc.fold(outcome, threshold) {
				s.metrics.Halted()
				s.logger.Warnf("%d chunk(s) failed, halting the upload of session %s", threshold, job.Session.FileKey)
				return ErrMultipleChunkHalt
			}
			if outcome.Completed && job.OnProgress != nil {
				job.OnProgress(Progress(job.Session, acc))
			}
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, job Job, c chunk.Chunk) Outcome {
	total := len(job.Chunks)
	s.logger.Debugf("Uploading chunk %d/%d [finished=%d] [avg=%v]",
		c.Index+1, total, s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

	start := time.Now()
	data, err := chunk.Read(job.Payload, c)
	if err == nil {
		err = s.transport.UploadChunk(ctx, job.Session, c.Index, data)
	}
	took := time.Since(start)
	s.metrics.ChunkFinished(err == nil, c.Len(), took)

	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debugf("Chunk %d attempt dropped: %s", c.Index+1, err)
		} else {
			s.logger.Warnf("Chunk %d/%d failed: %s", c.Index+1, total, err)
		}
		return Outcome{Index: c.Index, Size: c.Len(), Err: err}
	}

	s.stats.Update(c.Len(), took)
	s.logger.Debugf("Chunk %d/%d uploaded in %v", c.Index+1, total, took.Round(time.Millisecond))
	return Outcome{Index: c.Index, Size: c.Len(), Completed: true}
}

// Progress returns the completed fraction of the session's payload, counted in bytes
// so that a fully uploaded payload reports exactly 1.
func Progress(session transport.SessionMetadata, acc *Accumulator) float64 {
	if session.FileSize <= 0 {
		if acc.CompletedCount() >= session.ChunkCount {
			return 1
		}
		return 0
	}

	p := float64(acc.CompletedBytes()) / float64(session.FileSize)
	if p > 1 {
		return 1
	}
	return p
}
