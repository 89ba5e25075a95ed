// ABOUTME: Connection states of an upstream server.
// ABOUTME: Disconnected, Connecting, Connected and Failed, with the failure reason kept alongside.

package upstream

// State is the connection state of an upstream server.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of one upstream server.
type Status struct {
	Name   string `json:"name"`
	Prefix string `json:"namespace_prefix"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Tools  int    `json:"tools"`
}
