// Package payload opens the sources of an upload: local files, files behind an http(s) URL and
// in-memory data. Every opened Payload owns its resources until Close.
package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

// ErrNotRegularFile is returned when a local source is a directory or a device.
var ErrNotRegularFile = errors.New("not a regular file")

// Payload is an opened upload source. It is safe for concurrent ReadAt calls.
type Payload struct {
	name        string
	size        int64
	modTime     time.Time
	fingerprint string

	reader  io.ReaderAt
	file    *os.File
	tempDir string
}

// FromBytes returns a Payload reading data.
func FromBytes(name string, data []byte, modTime time.Time) *Payload {
	sum := sha256.Sum256(data)
	return &Payload{
		name:        name,
		size:        int64(len(data)),
		modTime:     modTime,
		fingerprint: hex.EncodeToString(sum[:]),
		reader:      bytes.NewReader(data),
	}
}

// ReadAt ...
func (p *Payload) ReadAt(b []byte, off int64) (int, error) {
	return p.reader.ReadAt(b, off)
}

// Size ...
func (p *Payload) Size() int64 {
	return p.size
}

// Descriptor describes the payload for starting an upload session.
func (p *Payload) Descriptor() transport.FileDescriptor {
	return transport.FileDescriptor{
		Name:         p.name,
		Size:         p.size,
		LastModified: p.modTime,
		Fingerprint:  p.fingerprint,
	}
}

// Close releases the file and the downloaded copy of a remote source.
func (p *Payload) Close() error {
	var errs []error
	if p.file != nil {
		if err := p.file.Close(); err != nil {
			errs = append(errs, err)
		}
		p.file = nil
	}
	if p.tempDir != "" {
		if err := os.RemoveAll(p.tempDir); err != nil {
			errs = append(errs, err)
		}
		p.tempDir = ""
	}
	return errors.Join(errs...)
}

// Opener opens payload sources.
type Opener struct {
	client       *http.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewOpener ...
func NewOpener(logger log.Logger) *Opener {
	return &Opener{
		client:       retryhttp.NewClient(logger).StandardClient(),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		logger:       logger,
	}
}

// Open opens location, a local path or an http(s) URL. Remote sources are downloaded into a
// temporary directory that Close removes.
func (o *Opener) Open(ctx context.Context, location string) (*Payload, error) {
	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return o.openRemote(ctx, u)
	}
	return o.openLocal(location)
}

func (o *Opener) openLocal(location string) (*Payload, error) {
	absPath, err := o.pathModifier.AbsPath(location)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", location, err)
	}
	return openFile(absPath, filepath.Base(absPath), "")
}

func (o *Opener) openRemote(ctx context.Context, source *url.URL) (*Payload, error) {
	tempDir, err := o.pathProvider.CreateTempDir("chunkupload")
	if err != nil {
		return nil, err
	}

	name := path.Base(source.Path)
	if name == "" || name == "/" || name == "." {
		name = "payload"
	}
	dest := filepath.Join(tempDir, name)

	o.logger.Debugf("Downloading %s to %s", source.Redacted(), dest)
	start := time.Now()

	downloader := got.New()
	downloader.Client = o.client
	if err := downloader.Do(got.NewDownload(ctx, source.String(), dest)); err != nil {
		o.removeTempDir(tempDir)
		return nil, fmt.Errorf("download %s: %w", source.Redacted(), err)
	}
	o.logger.Debugf("Downloaded %s in %s", name, time.Since(start).Round(time.Millisecond))

	p, err := openFile(dest, name, tempDir)
	if err != nil {
		o.removeTempDir(tempDir)
		return nil, err
	}
	return p, nil
}

func (o *Opener) removeTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warnf("Failed to remove %s: %s", dir, err)
	}
}

func openFile(pth, name, tempDir string) (*Payload, error) {
	file, err := os.Open(pth)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", pth, ErrNotRegularFile)
	}

	fingerprint, err := checksumOf(file)
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("checksum of %s: %w", pth, err)
	}

	return &Payload{
		name:        name,
		size:        info.Size(),
		modTime:     info.ModTime(),
		fingerprint: fingerprint,
		reader:      file,
		file:        file,
		tempDir:     tempDir,
	}, nil
}

func checksumOf(r io.ReaderAt) (string, error) {
	hash := sha256.New()

	_, err := io.Copy(hash, io.NewSectionReader(r, 0, 1<<63-1))
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
