package upload

// State is a step of the upload state machine.
type State int

// Upload states. Cancelled and Failed are reachable from any non-terminal state.
const (
	StateInit State = iota
	StateComputingKey
	StateSingleUpload
	StateChunkLoop
	StateFinalizing
	StateUploaded
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateInit:         "init",
	StateComputingKey: "computing-key",
	StateSingleUpload: "single-upload",
	StateChunkLoop:    "chunk-loop",
	StateFinalizing:   "finalizing",
	StateUploaded:     "uploaded",
	StateCancelled:    "cancelled",
	StateFailed:       "failed",
}

var transitions = map[State][]State{
	StateInit:         {StateComputingKey},
	StateComputingKey: {StateSingleUpload, StateChunkLoop},
	StateSingleUpload: {StateUploaded},
	StateChunkLoop:    {StateFinalizing},
	StateFinalizing:   {StateUploaded},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateUploaded || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateCancelled || next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
