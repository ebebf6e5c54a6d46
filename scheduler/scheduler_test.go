package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/metrics"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *progressRecorder) record(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
}

func (r *progressRecorder) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func newJob(t *testing.T, payloadSize int64, chunkCount int, chunkSize int64) Job {
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks, err := chunk.Slice(payloadSize, chunkCount, chunkSize)
	require.NoError(t, err)

	return Job{
		Session: transport.SessionMetadata{
			FileKey:    "session",
			ChunkSize:  chunkSize,
			ChunkCount: chunkCount,
			FileSize:   payloadSize,
		},
		Chunks:  chunks,
		Payload: bytes.NewReader(payload),
	}
}

func TestScheduler_Run_AllComplete(t *testing.T) {
	ft := newFakeTransport()
	job := newJob(t, 25, 3, 10)
	recorder := &progressRecorder{}
	job.OnProgress = recorder.record

	s := New(DefaultConfig(), ft, log.NewLogger())
	acc := NewAccumulator()

	require.NoError(t, s.Run(context.Background(), job, acc, nil))

	assert.Equal(t, []int{0, 1, 2}, acc.Completed())
	assert.Empty(t, acc.Errored())
	assert.Equal(t, int64(25), acc.CompletedBytes())
	assert.Equal(t, int64(3), s.Stats().FinishedCount())
	assert.Equal(t, int64(25), s.Stats().Bytes())

	values := recorder.snapshot()
	require.Len(t, values, 3)
	assert.Equal(t, 1.0, values[2])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}

	assert.Equal(t, []byte{20, 21, 22, 23, 24}, ft.data[2])
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, ft.callsOf(i))
	}
}

func TestScheduler_Run_HaltThreshold(t *testing.T) {
	tests := []struct {
		name          string
		chunkCount    int
		failing       []int
		wantHalt      bool
		wantCompleted int
	}{
		{
			name:       "two chunks, one failure",
			chunkCount: 2,
			failing:    []int{1},
			wantHalt:   true,
		},
		{
			name:          "ten chunks, two failures",
			chunkCount:    10,
			failing:       []int{3, 7},
			wantHalt:      false,
			wantCompleted: 8,
		},
		{
			name:       "ten chunks, three failures",
			chunkCount: 10,
			failing:    []int{2, 5, 8},
			wantHalt:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			for _, i := range tt.failing {
				ft.fail[i] = true
			}
			job := newJob(t, int64(tt.chunkCount*10), tt.chunkCount, 10)
			acc := NewAccumulator()

			err := New(DefaultConfig(), ft, log.NewLogger()).Run(context.Background(), job, acc, nil)

			if tt.wantHalt {
				require.ErrorIs(t, err, ErrMultipleChunkHalt)
				assert.Empty(t, acc.Errored(), "errored set is cleared on halt")
				return
			}

			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrMultipleChunkHalt)
			require.ErrorIs(t, err, ErrIncomplete)

			var incomplete *IncompleteError
			require.ErrorAs(t, err, &incomplete)
			assert.Equal(t, tt.failing, incomplete.Indices)
			assert.Equal(t, tt.wantCompleted, acc.CompletedCount())
		})
	}
}

func TestScheduler_Run_ConcurrencyCeiling(t *testing.T) {
	ft := newFakeTransport()
	ft.release = make(chan struct{})
	job := newJob(t, 100, 10, 10)

	done := make(chan error, 1)
	go func() {
		done <- New(Config{Concurrency: 3}, ft, log.NewLogger()).Run(context.Background(), job, NewAccumulator(), nil)
	}()

	require.Eventually(t, func() bool { return ft.currentInFlight() == 3 }, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		ft.release <- struct{}{}
		assert.LessOrEqual(t, ft.currentInFlight(), 3)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, ft.maxConcurrent())
	assert.Equal(t, 10, ft.totalCalls())
}

func TestScheduler_Run_SuspendKeepsProgress(t *testing.T) {
	ft := newFakeTransport()
	ft.release = make(chan struct{})
	job := newJob(t, 100, 10, 10)
	acc := NewAccumulator()
	s := New(Config{Concurrency: 3}, ft, log.NewLogger())

	suspend := make(chan struct{})
	completed := 0
	job.OnProgress = func(float64) {
		completed++
		if completed == 4 {
			close(suspend)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), job, acc, suspend) }()

	// four completions, then the two attempts still in flight finish while suspended
	for i := 0; i < 6; i++ {
		ft.release <- struct{}{}
	}
	require.ErrorIs(t, <-done, ErrSuspended)

	assert.Equal(t, 6, ft.totalCalls(), "no attempt starts while suspended")
	assert.Equal(t, 6, acc.CompletedCount())

	job.OnProgress = nil
	go func() { done <- s.Run(context.Background(), job, acc, nil) }()
	for i := 0; i < 4; i++ {
		ft.release <- struct{}{}
	}
	require.NoError(t, <-done)

	assert.Equal(t, 10, acc.CompletedCount())
	assert.Equal(t, 6, ft.totalCalls()-4, "attempts after the fourth completion")
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, ft.callsOf(i), "chunk %d", i)
	}
}

func TestScheduler_Run_SkipsCompletedChunks(t *testing.T) {
	ft := newFakeTransport()
	job := newJob(t, 50, 5, 10)
	acc := NewAccumulator()
	acc.Seed(job.Chunks, []int{0, 2, 9})

	require.NoError(t, New(DefaultConfig(), ft, log.NewLogger()).Run(context.Background(), job, acc, nil))

	assert.Equal(t, 0, ft.callsOf(0))
	assert.Equal(t, 1, ft.callsOf(1))
	assert.Equal(t, 0, ft.callsOf(2))
	assert.Equal(t, 3, ft.totalCalls())
	assert.Equal(t, 5, acc.CompletedCount())
}

func TestScheduler_Run_ContextCancelled(t *testing.T) {
	ft := newFakeTransport()
	ft.release = make(chan struct{})
	job := newJob(t, 100, 10, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(DefaultConfig(), ft, log.NewLogger()).Run(ctx, job, NewAccumulator(), nil) }()

	require.Eventually(t, func() bool { return ft.currentInFlight() == 3 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 3, ft.totalCalls())
}

func TestScheduler_Run_Metrics(t *testing.T) {
	ft := newFakeTransport()
	ft.fail[0] = true
	job := newJob(t, 20, 2, 10)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	err := New(Config{Concurrency: 1, Metrics: collector}, ft, log.NewLogger()).Run(context.Background(), job, NewAccumulator(), nil)
	require.ErrorIs(t, err, ErrMultipleChunkHalt)

	expected := `
# HELP chunkupload_halts_total Total number of scheduler runs stopped by the chunk error threshold
# TYPE chunkupload_halts_total counter
chunkupload_halts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chunkupload_halts_total"))
}

func TestAccumulator_Fold(t *testing.T) {
	acc := NewAccumulator()

	assert.False(t, acc.fold(Outcome{Index: 1, Size: 10}, 3))
	assert.Equal(t, []int{1}, acc.Errored())

	assert.False(t, acc.fold(Outcome{Index: 1, Size: 10, Completed: true}, 3))
	assert.Empty(t, acc.Errored(), "a completed chunk is not errored")
	assert.Equal(t, []int{1}, acc.Completed())

	assert.False(t, acc.fold(Outcome{Index: 1, Size: 10}, 3))
	assert.Empty(t, acc.Errored(), "a completed chunk stays completed")

	assert.False(t, acc.fold(Outcome{Index: 2}, 3))
	assert.False(t, acc.fold(Outcome{Index: 3}, 3))
	assert.True(t, acc.fold(Outcome{Index: 4}, 3))
	assert.Empty(t, acc.Errored())
	assert.Equal(t, []int{1}, acc.Completed())
}

func TestHaltThreshold(t *testing.T) {
	assert.Equal(t, 1, HaltThreshold(1))
	assert.Equal(t, 1, HaltThreshold(3))
	assert.Equal(t, 3, HaltThreshold(4))
	assert.Equal(t, 3, HaltThreshold(100))
}

func TestProgress(t *testing.T) {
	acc := NewAccumulator()
	session := transport.SessionMetadata{ChunkCount: 1}
	assert.Equal(t, 0.0, Progress(session, acc))

	acc.Seed([]chunk.Chunk{{Index: 0}}, []int{0})
	assert.Equal(t, 1.0, Progress(session, acc))
}
