package session

// State is a session's position in its connection lifecycle.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	// Closed is terminal. The session is discarded once it gets here.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}
