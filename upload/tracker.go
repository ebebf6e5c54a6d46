package upload

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
)

// Tracker receives upload analytics events. analytics.Tracker implements it.
type Tracker interface {
	Enqueue(eventName string, properties ...analytics.Properties)
	Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}
func (noopTracker) Wait()                                   {}

type sessionTracker struct {
	tracker Tracker
}

func (t sessionTracker) logSessionCreated(attemptID string, session transport.SessionMetadata, seeded int) {
	properties := analytics.Properties{
		"attempt_id":      attemptID,
		"file_size_bytes": session.FileSize,
		"chunk_size":      session.ChunkSize,
		"chunk_count":     session.ChunkCount,
		"seeded_chunks":   seeded,
	}
	t.tracker.Enqueue("chunk_upload_session_created", properties)
}

func (t sessionTracker) logSessionCompleted(attemptID string, session transport.SessionMetadata, uploadTime time.Duration) {
	properties := analytics.Properties{
		"attempt_id":        attemptID,
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": session.FileSize,
		"chunk_count":       session.ChunkCount,
	}
	t.tracker.Enqueue("chunk_upload_session_completed", properties)
}

func (t sessionTracker) logSessionFailed(attemptID string, reason error) {
	properties := analytics.Properties{
		"attempt_id": attemptID,
		"error":      reason.Error(),
	}
	t.tracker.Enqueue("chunk_upload_session_failed", properties)
}

func (t sessionTracker) logSessionAborted(attemptID string, progress float64) {
	properties := analytics.Properties{
		"attempt_id": attemptID,
		"progress":   progress,
	}
	t.tracker.Enqueue("chunk_upload_session_aborted", properties)
}
