package session

// State is the device session lifecycle position.
//
// Connecting -> Handshaking -> Ready -> Recording -> Disconnected, with
// Degraded reachable from Ready or Recording on heartbeat loss and
// recoverable back to the prior state while the grace window lasts.
type State int

const (
	Connecting State = iota
	Handshaking
	Ready
	Recording
	Degraded
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case Recording:
		return "Recording"
	case Degraded:
		return "Degraded"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Live reports whether the session participates in routing.
func (s State) Live() bool {
	return s == Ready || s == Recording || s == Degraded
}

func legalTransition(from, to State) bool {
	if from == Disconnected {
		return false // terminal
	}
	if to == Disconnected {
		return true
	}
	switch from {
	case Connecting:
		return to == Handshaking
	case Handshaking:
		return to == Ready
	case Ready:
		return to == Recording || to == Degraded
	case Recording:
		return to == Ready || to == Degraded
	case Degraded:
		return to == Ready || to == Recording
	}
	return false
}
