// Package transport defines the request/response contract the upload core consumes,
// together with HTTP and S3 multipart implementations of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is returned when a server responds with session metadata the upload can't use.
var ErrInvalidSession = errors.New("invalid session metadata")

// Transport performs the three remote operations of one chunked upload.
// Implementations must not retry on their own; retry policy belongs to the caller.
type Transport interface {
	// StartSession opens an upload session for the described file.
	StartSession(ctx context.Context, file FileDescriptor) (SessionMetadata, error)

	// UploadChunk stores the bytes of the chunk at index.
	// It is called concurrently for different indices of the same session.
	UploadChunk(ctx context.Context, session SessionMetadata, index int, data []byte) error

	// FinishSession is called once every chunk of the session has been stored.
	FinishSession(ctx context.Context, session SessionMetadata) error
}

// SessionAborter is implemented by transports that can release a session's server side state.
type SessionAborter interface {
	AbortSession(ctx context.Context, session SessionMetadata) error
}

// FileDescriptor describes the payload when a session is started.
type FileDescriptor struct {
	Name         string
	Size         int64
	LastModified time.Time
	Fingerprint  string
}

// Token is the upload token the server hands out with a session.
type Token struct {
	UserID  string `json:"userId"`
	Exp     int64  `json:"exp"`
	Storage string `json:"storage"`
}

// SessionMetadata is the server's description of one upload session.
// Only the layout fields are interpreted; everything else is passed through untouched.
type SessionMetadata struct {
	ChunkSize      int64  `json:"chunkSize"`
	ChunkCount     int    `json:"chunks"`
	FileSize       int64  `json:"fileSize"`
	UploadedChunks []int  `json:"uploadedChunks,omitempty"`
	FileKey        string `json:"fileKey"`
	FileName       string `json:"fileName"`
	FileMD5        string `json:"fileMD5"`
	FileType       string `json:"fileType,omitempty"`
	FileCategory   string `json:"fileCategory,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
	Storage        string `json:"storage,omitempty"`
	Created        string `json:"created,omitempty"`
	LastUpdated    string `json:"lastUpdated,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	PreviewURL     string `json:"previewUrl,omitempty"`
	ThumbnailURL   string `json:"thumbnailUrl,omitempty"`
	Token          *Token `json:"token,omitempty"`
}

// Validate checks the layout fields.
func (m SessionMetadata) Validate() error {
	if m.ChunkCount < 1 {
		return fmt.Errorf("%w: chunk count %d is not positive", ErrInvalidSession, m.ChunkCount)
	}
	if m.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk size %d is not positive", ErrInvalidSession, m.ChunkSize)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: negative file size %d", ErrInvalidSession, m.FileSize)
	}
	return nil
}
