package upload

// State is the lifecycle state of an Upload.
type State int

// Upload states. Complete and Aborted are terminal.
const (
	Idle State = iota
	Starting
	Uploading
	Paused
	Finishing
	Complete
	// Failed means the pipeline stopped on an error and waits for Retry.
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Uploading:
		return "uploading"
	case Paused:
		return "paused"
	case Finishing:
		return "finishing"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Complete || s == Aborted
}

type signal int

const (
	signalPause signal = iota
	signalResume
	signalRetry
)

func (s signal) String() string {
	switch s {
	case signalPause:
		return "pause"
	case signalResume:
		return "resume"
	default:
		return "retry"
	}
}
