package transport

type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// IsActive reports whether a session exists or is being set up.
func (s State) IsActive() bool {
	return s != StateIdle
}

func (s State) hasSession() bool {
	return s == StatePlaying || s == StatePaused
}
