package transport

// State is the lifecycle of a Client's connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
