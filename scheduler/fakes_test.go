package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-chunkupload/transport"
)

var errChunkRejected = errors.New("chunk rejected")

// fakeTransport records chunk uploads. With a non-nil release channel every upload blocks until
// the test sends on it.
type fakeTransport struct {
	release chan struct{}
	fail    map[int]bool

	mu          sync.Mutex
	calls       map[int]int
	data        map[int][]byte
	inFlight    int
	maxInFlight int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail:  map[int]bool{},
		calls: map[int]int{},
		data:  map[int][]byte{},
	}
}

func (f *fakeTransport) StartSession(context.Context, transport.FileDescriptor) (transport.SessionMetadata, error) {
	return transport.SessionMetadata{}, errors.New("not used by the scheduler")
}

func (f *fakeTransport) FinishSession(context.Context, transport.SessionMetadata) error {
	return errors.New("not used by the scheduler")
}

func (f *fakeTransport) UploadChunk(ctx context.Context, _ transport.SessionMetadata, index int, data []byte) error {
	f.mu.Lock()
	f.calls[index]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.fail[index] {
		return errChunkRejected
	}

	f.mu.Lock()
	f.data[index] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeTransport) callsOf(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func (f *fakeTransport) currentInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakeTransport) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}
