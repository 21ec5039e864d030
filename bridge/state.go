package bridge

// State is a session's lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateLaunching
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateLaunching:
		return "launching"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
