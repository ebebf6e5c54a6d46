package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu        sync.Mutex
	created   []*s3.CreateMultipartUploadInput
	parts     map[int32][]byte
	completed *s3.CompleteMultipartUploadInput
	aborted   *s3.AbortMultipartUploadInput
	failPart  int32
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(fmt.Sprintf("upload-%d", len(f.created)))}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	number := aws.ToInt32(params.PartNumber)
	if number == f.failPart {
		return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate", Fault: smithy.FaultServer}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.parts[number] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", number))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = params
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = params
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newFakeS3() *fakeS3 {
	return &fakeS3{parts: map[int32][]byte{}}
}

func TestS3Transport_MultipartUpload(t *testing.T) {
	client := newFakeS3()
	tr := newS3Transport(client, S3Params{Bucket: "bucket", KeyPrefix: "uploads", ChunkSize: 10}, log.NewLogger())
	ctx := context.Background()

	session, err := tr.StartSession(ctx, FileDescriptor{Name: "payload.bin", Size: 25, Fingerprint: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "upload-1", session.FileKey)
	assert.Equal(t, "uploads/payload.bin", session.FileName)
	assert.Equal(t, 3, session.ChunkCount)
	assert.Equal(t, int64(10), session.ChunkSize)
	assert.Equal(t, int64(25), session.FileSize)
	assert.Equal(t, "abc", client.created[0].Metadata["fingerprint"])

	for i, data := range []string{"0123456789", "abcdefghij", "klmno"} {
		require.NoError(t, tr.UploadChunk(ctx, session, i, []byte(data)))
	}
	require.NoError(t, tr.FinishSession(ctx, session))

	require.NotNil(t, client.completed)
	assert.Equal(t, "upload-1", aws.ToString(client.completed.UploadId))
	parts := client.completed.MultipartUpload.Parts
	require.Len(t, parts, 3)
	for i, part := range parts {
		assert.Equal(t, int32(i+1), aws.ToInt32(part.PartNumber))
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), aws.ToString(part.ETag))
	}
	assert.Equal(t, "klmno", string(client.parts[3]))
}

func TestS3Transport_FinishWithMissingPart(t *testing.T) {
	client := newFakeS3()
	tr := newS3Transport(client, S3Params{Bucket: "bucket", ChunkSize: 10}, log.NewLogger())
	ctx := context.Background()

	session, err := tr.StartSession(ctx, FileDescriptor{Name: "payload.bin", Size: 20})
	require.NoError(t, err)
	require.NoError(t, tr.UploadChunk(ctx, session, 0, []byte("0123456789")))

	err = tr.FinishSession(ctx, session)
	require.ErrorIs(t, err, ErrMissingPart)
	assert.Nil(t, client.completed)
}

func TestS3Transport_PartFailure(t *testing.T) {
	client := newFakeS3()
	client.failPart = 2
	tr := newS3Transport(client, S3Params{Bucket: "bucket", ChunkSize: 10}, log.NewLogger())
	ctx := context.Background()

	session, err := tr.StartSession(ctx, FileDescriptor{Name: "payload.bin", Size: 20})
	require.NoError(t, err)

	err = tr.UploadChunk(ctx, session, 1, []byte("0123456789"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SlowDown")

	var apiError smithy.APIError
	require.ErrorAs(t, err, &apiError)
}

func TestS3Transport_AbortSession(t *testing.T) {
	client := newFakeS3()
	tr := newS3Transport(client, S3Params{Bucket: "bucket", ChunkSize: 10}, log.NewLogger())
	ctx := context.Background()

	session, err := tr.StartSession(ctx, FileDescriptor{Name: "payload.bin", Size: 20})
	require.NoError(t, err)
	require.NoError(t, tr.AbortSession(ctx, session))

	require.NotNil(t, client.aborted)
	assert.Equal(t, session.FileKey, aws.ToString(client.aborted.UploadId))

	err = tr.UploadChunk(ctx, session, 0, []byte("0123456789"))
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestNewS3Transport_Validation(t *testing.T) {
	_, err := NewS3Transport(context.Background(), S3Params{}, log.NewLogger())
	require.Error(t, err)

	_, err = NewS3Transport(context.Background(), S3Params{Bucket: "bucket", ChunkSize: 1024}, log.NewLogger())
	require.Error(t, err)

	_, err = NewS3Transport(context.Background(), S3Params{Bucket: "bucket"}, log.NewLogger())
	require.Error(t, err, "region is required")
}

var _ SessionAborter = (*S3Transport)(nil)
var _ Transport = (*S3Transport)(nil)
var _ Transport = (*HTTPTransport)(nil)
