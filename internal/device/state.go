// Virtual device lifecycle states and their transition table.
package device

// State is a device's lifecycle position. Transitions are validated
// against the table below; anything else is a programming error.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateSending
	StateDisconnecting
	StateDisconnected
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Terminal reports whether the device has finished its run. Faulted is
// terminal unless the operator restarts the device.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFaulted
}

// transitions lists the legal next states. StateStopped is reachable from
// anywhere (forced cancellation) and is therefore not listed per-state.
var transitions = map[State][]State{
	StateCreated:       {StateConnecting},
	StateConnecting:    {StateConnected, StateFaulted, StateDisconnecting},
	StateConnected:     {StateSending, StateConnecting, StateDisconnecting, StateFaulted},
	StateSending:       {StateConnected, StateConnecting, StateDisconnecting, StateFaulted},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {StateConnecting},
	StateFaulted:       {StateConnecting},
	StateStopped:       {StateConnecting},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if next == StateStopped {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
