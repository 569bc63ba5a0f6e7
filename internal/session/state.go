package session

import "fmt"

// State is the connection state of a session
type State int

const (
	Idle State = iota
	Connecting
	Connected
	DiscoveringServices
	Ready
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DiscoveringServices:
		return "discovering_services"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// HasLink reports whether a session in this state owns a link handle
func (s State) HasLink() bool {
	return s != Idle && s != Disconnected
}
