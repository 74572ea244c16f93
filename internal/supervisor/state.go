package supervisor

import "fmt"

// State is the lifecycle state of one managed instance.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// validTransitions maps from-state to allowed to-states.
var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateRunning: true, // spawn succeeded
		StateFailed:  true, // spawn refused by the OS
	},
	StateRunning: {
		StateStopping: true, // graceful termination requested
		StateStopped:  true, // child exited zero on its own
		StateFailed:   true, // child exited non-zero or crashed
	},
	StateStopping: {
		StateStopped: true, // exited within the graceful window (or was killed)
		StateFailed:  true, // exited non-zero while stopping
	},
	// Terminal until the next start cycle recreates the instance.
	StateStopped: {},
	StateFailed:  {},
}

// CanTransition reports whether from → to is a legal state change.
func (s State) CanTransition(to State) bool {
	return validTransitions[s][to]
}

// Live reports whether the instance maps to a running OS process.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// transition validates and applies a state change. An invalid transition is a
// supervisor bug; it is surfaced as an error instead of silently applied.
func transition(from, to State) (State, error) {
	if !from.CanTransition(to) {
		return from, fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return to, nil
}
