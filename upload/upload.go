// Package upload drives one payload through the session lifecycle of a chunked upload:
// start a session, upload its chunks, finish it. The lifecycle can be paused, resumed,
// retried after a failure and aborted from any goroutine.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/scheduler"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Session outcomes reported to Metrics.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
)

const remoteAbortTimeout = 30 * time.Second

// Metrics receives session outcomes. *metrics.Collector implements it.
type Metrics interface {
	SessionFinished(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) SessionFinished(string) {}

// Config holds configuration for an Upload.
type Config struct {
	Scheduler scheduler.Config

	// Metrics and Tracker are optional.
	Metrics Metrics
	Tracker Tracker

	// ProgressBuffer is the capacity of the Progress channel. When it is full the oldest value is dropped.
	// Default: 16
	ProgressBuffer int

	// ErrorBuffer is the capacity of the Errors channel.
	// Default: 4
	ErrorBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler:      scheduler.DefaultConfig(),
		ProgressBuffer: 16,
		ErrorBuffer:    4,
	}
}

// Upload is one chunked upload of a payload.
//
// The control methods never block. Events are delivered on buffered channels: Created fires once
// when the first session starts, Progress carries strictly increasing fractions in (0, 1], Complete
// fires once with the finished session and Errors carries pipeline failures. Every event channel is
// closed when the upload completes or is aborted; nothing is sent after Abort.
type Upload struct {
	transport transport.Transport
	scheduler *scheduler.Scheduler
	logger    log.Logger
	metrics   Metrics
	tracker   sessionTracker
	file      transport.FileDescriptor
	payload   io.ReaderAt

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu           sync.Mutex
	state        State
	started      bool
	aborted      bool
	closed       bool
	signals      []signal
	hasControl   bool
	lastControl  signal
	lastProgress float64
	createdSent  bool

	created  chan transport.SessionMetadata
	progress chan float64
	complete chan transport.SessionMetadata
	errs     chan error
	done     chan struct{}

	// owned by the loop goroutine
	wantPaused bool
	retry      bool
	attemptID  string
	startedAt  time.Time
	session    *transport.SessionMetadata
	chunks     []chunk.Chunk
	acc        *scheduler.Accumulator
}

// New creates an idle Upload of payload, described by file, through tr.
func New(config Config, tr transport.Transport, file transport.FileDescriptor, payload io.ReaderAt, logger log.Logger) *Upload {
	if config.ProgressBuffer < 1 {
		config.ProgressBuffer = DefaultConfig().ProgressBuffer
	}
	if config.ErrorBuffer < 1 {
		config.ErrorBuffer = DefaultConfig().ErrorBuffer
	}

	var m Metrics = noopMetrics{}
	if config.Metrics != nil {
		m = config.Metrics
	}
	var t Tracker = noopTracker{}
	if config.Tracker != nil {
		t = config.Tracker
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Upload{
		transport: tr,
		scheduler: scheduler.New(config.Scheduler, tr, logger),
		logger:    logger,
		metrics:   m,
		tracker:   sessionTracker{tracker: t},
		file:      file,
		payload:   payload,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		state:     Idle,
		created:   make(chan transport.SessionMetadata, 1),
		progress:  make(chan float64, config.ProgressBuffer),
		complete:  make(chan transport.SessionMetadata, 1),
		errs:      make(chan error, config.ErrorBuffer),
		done:      make(chan struct{}),
	}
}

// Created delivers the metadata of the first started session.
func (u *Upload) Created() <-chan transport.SessionMetadata { return u.created }

// Progress delivers the uploaded fraction of the payload.
func (u *Upload) Progress() <-chan float64 { return u.progress }

// Complete delivers the finished session.
func (u *Upload) Complete() <-chan transport.SessionMetadata { return u.complete }

// Errors delivers the failures that stopped the pipeline. Call Retry to run it again.
func (u *Upload) Errors() <-chan error { return u.errs }

// Done is closed once the upload completed or was aborted and its goroutine has returned.
func (u *Upload) Done() <-chan struct{} { return u.done }

// State returns the current state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Start launches the upload. Calls after the first one are ignored.
func (u *Upload) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started || u.aborted {
		return
	}
	u.started = true
	u.state = Starting
	go u.run()
}

// Pause stops new chunk uploads once the ones in flight are done.
// A pause received while the session is starting takes effect when the upload begins.
func (u *Upload) Pause() {
	u.control(signalPause)
}

// Resume continues a paused upload with the chunks that aren't uploaded yet.
func (u *Upload) Resume() {
	u.control(signalResume)
}

// Retry runs a failed pipeline again with a new session. It is ignored in any other state.
func (u *Upload) Retry() {
	u.mu.Lock()
	if u.state != Failed {
		state := u.state
		u.mu.Unlock()
		u.logger.Debugf("Retry ignored in %s state", state)
		return
	}
	u.mu.Unlock()

	u.send(signalRetry)
}

// Abort stops the upload for good. Chunk uploads in flight are cancelled and their results ignored.
func (u *Upload) Abort() {
	u.mu.Lock()
	if u.aborted || u.state.Terminal() {
		u.mu.Unlock()
		return
	}
	u.aborted = true
	u.state = Aborted
	u.signals = nil
	u.closeChannels()
	started := u.started
	u.mu.Unlock()

	u.cancel()
	if !started {
		close(u.done)
	}
}

// control forwards pause and resume signals, dropping a signal equal to the previous one.
func (u *Upload) control(s signal) {
	u.mu.Lock()
	if u.hasControl && u.lastControl == s {
		u.mu.Unlock()
		return
	}
	u.hasControl = true
	u.lastControl = s
	u.mu.Unlock()

	u.send(s)
}

func (u *Upload) send(s signal) {
	u.mu.Lock()
	if u.aborted || u.state.Terminal() {
		u.mu.Unlock()
		return
	}
	u.signals = append(u.signals, s)
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// drain applies the queued signals to the loop state.
func (u *Upload) drain() {
	u.mu.Lock()
	signals := u.signals
	u.signals = nil
	state := u.state
	u.mu.Unlock()

	for _, s := range signals {
		switch s {
		case signalPause:
			u.wantPaused = true
		case signalResume:
			u.wantPaused = false
		case signalRetry:
			if state == Failed {
				u.retry = true
			}
		}
		u.logger.Debugf("Received %s signal in %s state", s, state)
	}
}

func (u *Upload) setState(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.aborted {
		return
	}
	u.state = s
}

func (u *Upload) run() {
	defer u.exit()

	for {
		switch u.State() {
		case Starting:
			u.startSession()
		case Uploading:
			u.uploadChunks()
		case Paused:
			u.waitResume()
		case Finishing:
			u.finishSession()
		case Failed:
			u.waitRetry()
		default:
			return
		}
	}
}

func (u *Upload) startSession() {
	u.drain()

	if u.session != nil {
		u.abortRemote(u.ctx, *u.session)
		u.session = nil
	}

	u.attemptID = uuid.NewString()
	u.startedAt = time.Now()
	u.logger.Infof("Starting upload session for %s (%s)", u.file.Name, units.HumanSizeWithPrecision(float64(u.file.Size), 3))

	session, err := u.transport.StartSession(u.ctx, u.file)
	if u.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = session.Validate()
	}
	if err != nil {
		u.fail(fmt.Errorf("start session: %w", err))
		return
	}

	chunks, err := chunk.Slice(u.file.Size, session.ChunkCount, session.ChunkSize)
	if err != nil {
		u.fail(fmt.Errorf("start session %s: %w", session.FileKey, err))
		return
	}
	if session.FileSize != u.file.Size {
		u.logger.Warnf("Session %s reports a file size of %d bytes, the payload has %d", session.FileKey, session.FileSize, u.file.Size)
	}

	acc := scheduler.NewAccumulator()
	acc.Seed(chunks, session.UploadedChunks)

	u.session = &session
	u.chunks = chunks
	u.acc = acc

	u.logger.Debugf("Session %s created [attempt=%s] [chunks=%d] [chunk_size=%s] [already_uploaded=%d]",
		session.FileKey, u.attemptID, session.ChunkCount, units.BytesSize(float64(session.ChunkSize)), acc.CompletedCount())
	u.tracker.logSessionCreated(u.attemptID, session, acc.CompletedCount())

	u.setState(Uploading)
	u.emitCreated(session)
	u.emitProgress(scheduler.Progress(session, acc))
}

func (u *Upload) uploadChunks() {
	u.drain()
	if u.wantPaused {
		u.logger.Infof("Upload of %s paused", u.file.Name)
		u.setState(Paused)
		return
	}

	job := scheduler.Job{
		Session:    *u.session,
		Chunks:     u.chunks,
		Payload:    u.payload,
		OnProgress: u.emitProgress,
	}
	suspend := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- u.scheduler.Run(u.ctx, job, u.acc, suspend)
	}()

	suspended := false
	for {
		select {
		case <-u.ctx.Done():
			<-result
			return
		case <-u.wake:
			u.drain()
			switch {
			case u.wantPaused && !suspended:
				close(suspend)
				suspended = true
				u.setState(Paused)
			case u.wantPaused && suspended:
				u.setState(Paused)
			case !u.wantPaused && suspended:
				u.setState(Uploading)
			}
		case err := <-result:
			switch {
			case err == nil:
				u.setState(Finishing)
			case errors.Is(err, scheduler.ErrSuspended):
				if u.wantPaused {
					u.logger.Infof("Upload of %s paused at %d/%d chunks", u.file.Name, u.acc.CompletedCount(), len(u.chunks))
					u.setState(Paused)
				} else {
					u.setState(Uploading)
				}
			case u.ctx.Err() != nil:
			default:
				u.fail(fmt.Errorf("upload chunks of session %s: %w", u.session.FileKey, err))
			}
			return
		}
	}
}

func (u *Upload) waitResume() {
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-u.wake:
			u.drain()
			if !u.wantPaused {
				u.logger.Infof("Resuming upload of %s", u.file.Name)
				u.setState(Uploading)
				return
			}
		}
	}
}

func (u *Upload) waitRetry() {
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-u.wake:
			u.drain()
			if u.retry {
				u.retry = false
				u.logger.Infof("Retrying upload of %s", u.file.Name)
				u.setState(Starting)
				return
			}
		}
	}
}

func (u *Upload) finishSession() {
	session := *u.session

	if err := u.transport.FinishSession(u.ctx, session); err != nil {
		if u.ctx.Err() != nil {
			return
		}
		u.fail(fmt.Errorf("finish session %s: %w", session.FileKey, err))
		return
	}

	u.mu.Lock()
	if u.aborted {
		u.mu.Unlock()
		return
	}
	u.state = Complete
	u.complete <- session
	u.closeChannels()
	u.mu.Unlock()

	took := time.Since(u.startedAt)
	u.logger.Donef("Uploaded %s in %s", u.file.Name, took.Round(time.Second))
	u.metrics.SessionFinished(OutcomeComplete)
	u.tracker.logSessionCompleted(u.attemptID, session, took)
}

func (u *Upload) fail(err error) {
	u.mu.Lock()
	if u.aborted {
		u.mu.Unlock()
		return
	}
	u.state = Failed
	u.retry = false
	select {
	case u.errs <- err:
	default:
		u.logger.Warnf("Error channel is full, dropping: %s", err)
	}
	u.mu.Unlock()

	u.logger.Errorf("Upload of %s failed: %s", u.file.Name, err)
	u.metrics.SessionFinished(OutcomeFailed)
	u.tracker.logSessionFailed(u.attemptID, err)
}

func (u *Upload) exit() {
	u.mu.Lock()
	aborted := u.aborted
	progress := u.lastProgress
	u.mu.Unlock()

	if aborted {
		u.logger.Warnf("Upload of %s aborted", u.file.Name)
		if u.session != nil {
			u.abortRemote(context.WithoutCancel(u.ctx), *u.session)
		}
		u.metrics.SessionFinished(OutcomeAborted)
		u.tracker.logSessionAborted(u.attemptID, progress)
	}

	u.cancel()
	close(u.done)
}

// abortRemote releases the server side state of a session the upload no longer uses.
func (u *Upload) abortRemote(ctx context.Context, session transport.SessionMetadata) {
	aborter, ok := u.transport.(transport.SessionAborter)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, remoteAbortTimeout)
	defer cancel()

	if err := aborter.AbortSession(ctx, session); err != nil {
		u.logger.Debugf("Failed to abort session %s: %s", session.FileKey, err)
		return
	}
	u.logger.Debugf("Session %s aborted", session.FileKey)
}

func (u *Upload) emitCreated(session transport.SessionMetadata) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.aborted || u.closed || u.createdSent {
		return
	}
	u.createdSent = true
	u.created <- session
}

// emitProgress forwards p when it exceeds every value sent before.
// A full channel loses its oldest value.
func (u *Upload) emitProgress(p float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.aborted || u.closed || p <= u.lastProgress {
		return
	}
	u.lastProgress = p

	for {
		select {
		case u.progress <- p:
			return
		default:
		}
		select {
		case <-u.progress:
		default:
		}
	}
}

// closeChannels must be called with mu held.
func (u *Upload) closeChannels() {
	if u.closed {
		return
	}
	u.closed = true
	close(u.created)
	close(u.progress)
	close(u.complete)
	close(u.errs)
}
