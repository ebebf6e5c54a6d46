package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
)

const chunkContentType = "application/octet-stream;charset=utf-8"

// Endpoints builds the request URLs of an upload session.
type Endpoints struct {
	Start  func() string
	Chunk  func(session SessionMetadata, index int) string
	Finish func(session SessionMetadata) string
}

// DefaultEndpoints returns the endpoints of a chunk upload API served under baseURL:
//
//	POST {baseURL}/upload/chunk                       start
//	POST {baseURL}/upload/chunk/{fileKey}?chunk={n}   chunk n (1-based)
//	POST {baseURL}/upload/chunk/{fileKey}             finish
func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		Start: func() string {
			return fmt.Sprintf("%s/upload/chunk", baseURL)
		},
		Chunk: func(session SessionMetadata, index int) string {
			return fmt.Sprintf("%s/upload/chunk/%s?chunk=%d", baseURL, url.PathEscape(session.FileKey), index+1)
		},
		Finish: func(session SessionMetadata) string {
			return fmt.Sprintf("%s/upload/chunk/%s", baseURL, url.PathEscape(session.FileKey))
		},
	}
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Endpoints Endpoints
	// Headers are sent with every request, e.g. Authorization.
	Headers map[string]string
	// CompressChunks sends chunk bodies zstd encoded with Content-Encoding: zstd.
	// The server has to support it.
	CompressChunks bool
}

type startRequest struct {
	FileMD5     string `json:"fileMD5"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	LastUpdated string `json:"lastUpdated"`
}

// HTTPTransport talks to a chunk upload API over HTTP.
type HTTPTransport struct {
	httpClient *retryablehttp.Client
	config     HTTPConfig
	encoder    *zstd.Encoder
	logger     log.Logger
}

// NewHTTPTransport ...
func NewHTTPTransport(config HTTPConfig, logger log.Logger) (*HTTPTransport, error) {
	client := retryhttp.NewClient(logger)
	// A failed request is reported as is, the scheduler decides what happens next
	client.RetryMax = 0
	return newHTTPTransport(client, config, logger)
}

func newHTTPTransport(client *retryablehttp.Client, config HTTPConfig, logger log.Logger) (*HTTPTransport, error) {
	if config.Endpoints.Start == nil || config.Endpoints.Chunk == nil || config.Endpoints.Finish == nil {
		return nil, fmt.Errorf("all endpoints must be provided")
	}

	t := &HTTPTransport{
		httpClient: client,
		config:     config,
		logger:     logger,
	}

	if config.CompressChunks {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		t.encoder = encoder
	}

	return t, nil
}

// StartSession ...
func (t *HTTPTransport) StartSession(ctx context.Context, file FileDescriptor) (SessionMetadata, error) {
	body, err := json.Marshal(startRequest{
		FileMD5:     file.Fingerprint,
		FileName:    file.Name,
		FileSize:    file.Size,
		LastUpdated: file.LastModified.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return SessionMetadata{}, err
	}

	req, err := t.newRequest(ctx, t.config.Endpoints.Start(), body)
	if err != nil {
		return SessionMetadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return SessionMetadata{}, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return SessionMetadata{}, unwrapError(resp)
	}

	var session SessionMetadata
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return SessionMetadata{}, fmt.Errorf("decode session: %w", err)
	}
	if err := session.Validate(); err != nil {
		return SessionMetadata{}, err
	}

	return session, nil
}

// UploadChunk ...
func (t *HTTPTransport) UploadChunk(ctx context.Context, session SessionMetadata, index int, data []byte) error {
	body := data
	if t.encoder != nil {
		body = t.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	}

	req, err := t.newRequest(ctx, t.config.Endpoints.Chunk(session, index), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", chunkContentType)
	if t.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	req.ContentLength = int64(len(body))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	return nil
}

// FinishSession ...
func (t *HTTPTransport) FinishSession(ctx context.Context, session SessionMetadata) error {
	req, err := t.newRequest(ctx, t.config.Endpoints.Finish(session), nil)
	if err != nil {
		return err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	return nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, endpoint string, body []byte) (*retryablehttp.Request, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, endpoint, rawBody)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (t *HTTPTransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf("close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(errorResp))
}
