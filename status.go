package cometd

// Status is the lifecycle state of a client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusHandshaking
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// disconnected reports whether the status gates off every lifecycle action.
func (s Status) disconnected() bool {
	return s == StatusDisconnected || s == StatusDisconnecting
}
