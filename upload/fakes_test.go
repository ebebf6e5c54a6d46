package upload

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport ...
type MockTransport struct {
	mock.Mock
}

// StartSession ...
func (m *MockTransport) StartSession(ctx context.Context, file transport.FileDescriptor) (transport.SessionMetadata, error) {
	args := m.Called(ctx, file)
	return args.Get(0).(transport.SessionMetadata), args.Error(1)
}

// UploadChunk ...
func (m *MockTransport) UploadChunk(ctx context.Context, session transport.SessionMetadata, index int, data []byte) error {
	args := m.Called(ctx, session, index, data)
	return args.Error(0)
}

// FinishSession ...
func (m *MockTransport) FinishSession(ctx context.Context, session transport.SessionMetadata) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func sessionWithKey(key string) interface{} {
	return mock.MatchedBy(func(s transport.SessionMetadata) bool { return s.FileKey == key })
}

// gatedTransport blocks every chunk upload until the test releases it.
type gatedTransport struct {
	session transport.SessionMetadata
	release chan struct{}

	mu       sync.Mutex
	calls    map[int]int
	inFlight int
	aborted  []string
	finished int
}

func newGatedTransport(session transport.SessionMetadata) *gatedTransport {
	return &gatedTransport{
		session: session,
		release: make(chan struct{}),
		calls:   map[int]int{},
	}
}

func (g *gatedTransport) StartSession(context.Context, transport.FileDescriptor) (transport.SessionMetadata, error) {
	return g.session, nil
}

func (g *gatedTransport) UploadChunk(ctx context.Context, _ transport.SessionMetadata, index int, _ []byte) error {
	g.mu.Lock()
	g.calls[index]++
	g.inFlight++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedTransport) FinishSession(context.Context, transport.SessionMetadata) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished++
	return nil
}

func (g *gatedTransport) AbortSession(_ context.Context, session transport.SessionMetadata) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = append(g.aborted, session.FileKey)
	return nil
}

func (g *gatedTransport) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func (g *gatedTransport) callsOf(index int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[index]
}

func (g *gatedTransport) currentInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *gatedTransport) abortedSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.aborted...)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) SessionFinished(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}
