package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// MinS3ChunkSize is the smallest part size S3 accepts for every part but the last one.
const MinS3ChunkSize = 5 * units.MiB

// ErrMissingPart is returned when a multipart upload is completed with parts that were never stored.
var ErrMissingPart = errors.New("part was not uploaded")

// S3Params ...
type S3Params struct {
	Bucket          string
	KeyPrefix       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// ChunkSize is the part size. When 0, one is picked from the file size and Concurrency.
	ChunkSize   int64
	Concurrency int
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Transport uploads chunks as the parts of an S3 multipart upload.
// The server side session is the multipart upload, its ID is SessionMetadata.FileKey.
type S3Transport struct {
	client s3API
	params S3Params
	logger log.Logger

	mu    sync.Mutex
	parts map[string][]string
}

// NewS3Transport ...
func NewS3Transport(ctx context.Context, params S3Params, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	if params.ChunkSize != 0 && params.ChunkSize < MinS3ChunkSize {
		return nil, fmt.Errorf("ChunkSize must be at least %s", units.BytesSize(MinS3ChunkSize))
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Transport(s3.NewFromConfig(*cfg), params, logger), nil
}

func newS3Transport(client s3API, params S3Params, logger log.Logger) *S3Transport {
	return &S3Transport{
		client: client,
		params: params,
		logger: logger,
		parts:  map[string][]string{},
	}
}

// StartSession creates the multipart upload and lays out its parts.
func (t *S3Transport) StartSession(ctx context.Context, file FileDescriptor) (SessionMetadata, error) {
	chunkSize := t.params.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.OptimalSize(file.Size, t.params.Concurrency)
	}
	key := path.Join(t.params.KeyPrefix, file.Name)

	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(t.params.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"fingerprint": file.Fingerprint,
		},
	})
	if err != nil {
		return SessionMetadata{}, fmt.Errorf("create multipart upload: %w", classifyS3Error(err))
	}

	uploadID := aws.ToString(out.UploadId)
	count := chunk.Count(file.Size, chunkSize)

	t.mu.Lock()
	t.parts[uploadID] = make([]string, count)
	t.mu.Unlock()

	t.logger.Debugf("Multipart upload %s created for s3://%s/%s", uploadID, t.params.Bucket, key)

	now := time.Now().UTC().Format(time.RFC3339)
	return SessionMetadata{
		ChunkSize:   chunkSize,
		ChunkCount:  count,
		FileSize:    file.Size,
		FileKey:     uploadID,
		FileName:    key,
		FileMD5:     file.Fingerprint,
		MimeType:    "application/octet-stream",
		Storage:     "s3",
		Created:     now,
		LastUpdated: now,
		DownloadURL: fmt.Sprintf("s3://%s/%s", t.params.Bucket, key),
	}, nil
}

// UploadChunk ...
func (t *S3Transport) UploadChunk(ctx context.Context, session SessionMetadata, index int, data []byte) error {
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.params.Bucket),
		Key:           aws.String(session.FileName),
		UploadId:      aws.String(session.FileKey),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", index+1, classifyS3Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	etags, ok := t.parts[session.FileKey]
	if !ok || index < 0 || index >= len(etags) {
		return fmt.Errorf("%w: unknown part %d of upload %s", ErrInvalidSession, index+1, session.FileKey)
	}
	etags[index] = aws.ToString(out.ETag)

	return nil
}

// FinishSession completes the multipart upload.
func (t *S3Transport) FinishSession(ctx context.Context, session SessionMetadata) error {
	t.mu.Lock()
	etags := append([]string(nil), t.parts[session.FileKey]...)
	t.mu.Unlock()

	if len(etags) == 0 {
		return fmt.Errorf("%w: unknown upload %s", ErrInvalidSession, session.FileKey)
	}

	parts := make([]types.CompletedPart, 0, len(etags))
	for i, etag := range etags {
		if etag == "" {
			return fmt.Errorf("%w: part %d", ErrMissingPart, i+1)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.params.Bucket),
		Key:             aws.String(session.FileName),
		UploadId:        aws.String(session.FileKey),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", classifyS3Error(err))
	}

	t.forget(session.FileKey)
	return nil
}

// AbortSession removes the multipart upload and the parts stored so far.
func (t *S3Transport) AbortSession(ctx context.Context, session SessionMetadata) error {
	defer t.forget(session.FileKey)

	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.params.Bucket),
		Key:      aws.String(session.FileName),
		UploadId: aws.String(session.FileKey),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", classifyS3Error(err))
	}
	return nil
}

func (t *S3Transport) forget(uploadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parts, uploadID)
}

func classifyS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		return fmt.Errorf("%s (%s): %w", apiError.ErrorCode(), apiError.ErrorFault(), err)
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
