// Command chunkupload uploads files in chunks to a chunk upload API or to S3.
//
// Inputs are read from environment variables (see Inputs). While an upload runs, the lines
// pause, resume, retry and abort on stdin control it; an interrupt aborts it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bitrise-io/go-chunkupload/metrics"
	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errAborted = errors.New("upload aborted")

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()

	cfg, err := parseConfig(stepconf.NewInputParser(env.NewRepository()))
	if err != nil {
		logger.Errorf("Invalid inputs: %s", err)
		return 1
	}
	logger.EnableDebugLog(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := newUploader(cfg, logger)
	defer u.close()

	if err := u.init(ctx); err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	go u.readCommands(os.Stdin)

	if err := u.uploadAll(ctx); err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	return 0
}

type uploader struct {
	cfg    config
	logger log.Logger

	transport transport.Transport
	opener    *payload.Opener
	collector *metrics.Collector
	tracker   analytics.Tracker
	server    *http.Server

	current atomic.Pointer[upload.Upload]
}

func newUploader(cfg config, logger log.Logger) *uploader {
	return &uploader{
		cfg:    cfg,
		logger: logger,
		opener: payload.NewOpener(logger),
	}
}

func (u *uploader) init(ctx context.Context) error {
	tr, err := newTransport(ctx, u.cfg, u.logger)
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", u.cfg.Transport, err)
	}
	u.transport = tr

	if u.cfg.Analytics {
		u.tracker = analytics.NewDefaultTracker(u.logger, analytics.Properties{
			"transport":   u.cfg.Transport,
			"concurrency": u.cfg.Concurrency,
		})
	}

	if u.cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		u.collector = metrics.NewCollector(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		u.server = &http.Server{Addr: u.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := u.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				u.logger.Warnf("Metrics server stopped: %s", err)
			}
		}()
		u.logger.Infof("Serving metrics on %s/metrics", u.cfg.MetricsAddr)
	}

	return nil
}

func (u *uploader) close() {
	if u.tracker != nil {
		u.tracker.Wait()
	}
	if u.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.server.Shutdown(ctx); err != nil {
			u.logger.Warnf("Failed to stop metrics server: %s", err)
		}
	}
}

func (u *uploader) uploadAll(ctx context.Context) error {
	sources, err := u.opener.Expand(u.cfg.Sources)
	if err != nil {
		return fmt.Errorf("failed to evaluate sources: %w", err)
	}
	if len(sources) == 0 {
		return errors.New("no files to upload")
	}

	u.logger.Infof("Uploading %d file(s)", len(sources))
	for i, source := range sources {
		u.logger.Println()
		u.logger.Infof("(%d/%d) %s", i+1, len(sources), source)

		if err := u.uploadSource(ctx, source); err != nil {
			return fmt.Errorf("failed to upload %s: %w", source, err)
		}
	}
	return nil
}

func (u *uploader) uploadSource(ctx context.Context, source string) error {
	p, err := u.opener.Open(ctx, source)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			u.logger.Warnf("Failed to release %s: %s", source, err)
		}
	}()

	descriptor := p.Descriptor()
	u.logger.Printf("Size: %s", units.HumanSizeWithPrecision(float64(descriptor.Size), 3))
	u.logger.Debugf("SHA256: %s", descriptor.Fingerprint)

	config := upload.DefaultConfig()
	config.Scheduler.Concurrency = u.cfg.Concurrency
	if u.collector != nil {
		config.Scheduler.Metrics = u.collector
		config.Metrics = u.collector
	}
	if u.tracker != nil {
		config.Tracker = u.tracker
	}

	up := upload.New(config, u.transport, descriptor, p, u.logger)
	u.current.Store(up)
	defer u.current.Store(nil)

	stopAbort := context.AfterFunc(ctx, up.Abort)
	defer stopAbort()

	go u.logProgress(descriptor.Name, up)

	up.Start()
	err = retry.Times(u.cfg.Retries).Wait(u.cfg.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			u.logger.Warnf("%d attempt failed, retrying...", attempt)
			up.Retry()
		}
		return waitForOutcome(up)
	})
	if err != nil {
		up.Abort()
		<-up.Done()
		return err
	}

	session := <-up.Complete()
	if session.DownloadURL != "" {
		u.logger.Printf("Download URL: %s", session.DownloadURL)
	}
	return nil
}

// waitForOutcome blocks until the upload completes, fails or is aborted.
// The returned bool reports whether retrying is pointless.
func waitForOutcome(up *upload.Upload) (error, bool) {
	select {
	case err, ok := <-up.Errors():
		if ok {
			return err, errors.Is(err, transport.ErrInvalidSession)
		}
	case <-up.Done():
	}

	<-up.Done()
	if up.State() == upload.Complete {
		return nil, false
	}
	return errAborted, true
}

func (u *uploader) logProgress(name string, up *upload.Upload) {
	for p := range up.Progress() {
		u.logger.Printf("%s: %.1f%%", name, p*100)
	}
}

// readCommands applies the control commands read from r to the running upload.
func (u *uploader) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		command := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if command == "" {
			continue
		}

		up := u.current.Load()
		if up == nil {
			u.logger.Warnf("No upload in progress, ignoring %s", command)
			continue
		}
		if err := applyCommand(up, command); err != nil {
			u.logger.Warnf("%s", err)
		}
	}
	if err := scanner.Err(); err != nil {
		u.logger.Debugf("Stopped reading commands: %s", err)
	}
}

type controller interface {
	Pause()
	Resume()
	Retry()
	Abort()
}

func applyCommand(c controller, command string) error {
	switch command {
	case "pause":
		c.Pause()
	case "resume":
		c.Resume()
	case "retry":
		c.Retry()
	case "abort":
		c.Abort()
	default:
		return fmt.Errorf("unknown command: %s (use pause, resume, retry or abort)", command)
	}
	return nil
}
