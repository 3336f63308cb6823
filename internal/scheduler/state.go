package scheduler

// State is the playback session state.
type State int

const (
	StateIdle State = iota
	StatePlayingIntro
	StatePlayingLoop
	StateStopping
	StatePlayingExit
	StateStopped
)

// String returns the state name used in logs, metrics and IPC.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlayingIntro:
		return "playing_intro"
	case StatePlayingLoop:
		return "playing_loop"
	case StateStopping:
		return "stopping"
	case StatePlayingExit:
		return "playing_exit"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Playing reports whether audio from the session is on the output.
func (s State) Playing() bool {
	switch s {
	case StatePlayingIntro, StatePlayingLoop, StateStopping, StatePlayingExit:
		return true
	}
	return false
}
