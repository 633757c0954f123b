package bridge

import "strconv"

// State is a point in the bridge lifecycle. Transitions only move forward:
// starting, running, draining, stopped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

var stateNames = []string{"starting", "running", "draining", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// StateNames lists every state in lifecycle order.
func StateNames() []string {
	return append([]string(nil), stateNames...)
}
