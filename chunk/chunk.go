// Package chunk partitions a payload into the contiguous byte ranges that are uploaded independently.
package chunk

import (
	"errors"
	"fmt"
	"io"
)

// ErrInvalidLayout is returned when a chunk count and chunk size can't partition the payload.
var ErrInvalidLayout = errors.New("invalid chunk layout")

const (
	minOptimalSize = 8 * 1024 * 1024
	maxOptimalSize = 100 * 1024 * 1024
)

// Chunk is the byte range [Start, End) of the payload at position Index.
type Chunk struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the chunk.
func (c Chunk) Len() int64 {
	return c.End - c.Start
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d, %d)", c.Index, c.Start, c.End)
}

// Slice partitions [0, payloadSize) into chunkCount ranges of chunkSize bytes.
// The last chunk extends to the end of the payload, so it may be shorter or longer than chunkSize.
func Slice(payloadSize int64, chunkCount int, chunkSize int64) ([]Chunk, error) {
	if chunkCount < 1 {
		return nil, fmt.Errorf("%w: chunk count %d is less than 1", ErrInvalidLayout, chunkCount)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size %d is less than 1", ErrInvalidLayout, chunkSize)
	}
	if payloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size %d", ErrInvalidLayout, payloadSize)
	}

	if chunkCount > 1 && chunkSize > payloadSize/int64(chunkCount-1) {
		return nil, fmt.Errorf("%w: %d chunks of %d bytes overrun a %d byte payload", ErrInvalidLayout, chunkCount, chunkSize, payloadSize)
	}

	chunks := make([]Chunk, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if i == chunkCount-1 {
			end = payloadSize
		}
		chunks[i] = Chunk{Index: i, Start: start, End: end}
	}

	return chunks, nil
}

// Count returns the number of chunkSize chunks needed to cover payloadSize bytes, at least 1.
func Count(payloadSize, chunkSize int64) int {
	if chunkSize < 1 || payloadSize <= chunkSize {
		return 1
	}
	n := payloadSize / chunkSize
	if payloadSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

// Read returns the bytes of c read from r.
func Read(r io.ReaderAt, c Chunk) ([]byte, error) {
	data := make([]byte, c.Len())
	if len(data) == 0 {
		return data, nil
	}

	n, err := r.ReadAt(data, c.Start)
	if n == len(data) {
		return data, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read chunk %d: %w", c.Index, err)
}

// OptimalSize picks a chunk size for totalSize bytes uploaded with the given concurrency.
func OptimalSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	return int64(optimalSize(uint64(totalSize), minOptimalSize, maxOptimalSize, uint64(concurrency)))
}

func optimalSize(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// Halve very large chunks to keep every worker busy
	if cs >= maxOptimalSize {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}
