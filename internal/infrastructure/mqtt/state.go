package mqtt

import "fmt"

// ConnectionState is the broker session state owned by Client.
//
// Transitions:
//
//	Disconnected   --Connect()-->    Connecting
//	Connecting     --success-->      Connected
//	Connecting     --failure-->      Disconnected
//	Connected      --loss event-->   ConnectionLost
//	ConnectionLost --Connect()-->    Connecting
//	any            --Disconnect()--> Disconnected
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateConnectionLost
)

// String returns the lower_snake name used in logs and JSON.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "connection_lost":
		*s = StateConnectionLost
	default:
		return fmt.Errorf("mqtt: unknown connection state %q", text)
	}
	return nil
}
