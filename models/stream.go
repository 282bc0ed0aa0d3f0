package models

import (
	"time"
)

// ConnectionState describes the lifecycle of the event stream connection.
// It is owned exclusively by the stream connection; every transition goes
// through its state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// TransportEventType enumerates the four events of a transport session.
// TransportOpen is never delivered on the event channel: a successful dial
// is the open, so the constant exists for the String mapping and for
// completeness of the contract.
type TransportEventType int

const (
	TransportOpen TransportEventType = iota
	TransportMessage
	TransportError
	TransportClose
)

func (t TransportEventType) String() string {
	switch t {
	case TransportOpen:
		return "open"
	case TransportMessage:
		return "message"
	case TransportError:
		return "error"
	case TransportClose:
		return "close"
	}
	return "unknown"
}

// TransportEvent is one callback from the underlying transport, delivered
// to the connection state machine as a value on a channel.
type TransportEvent struct {
	Type TransportEventType
	Data []byte
	Err  error
}

// RawFrame is one inbound text frame exactly as received from the server.
type RawFrame struct {
	Data     []byte
	Received time.Time
}

// SubscribeRequest is the control message sent once per successful connect
// naming the logical channels this client listens to.
type SubscribeRequest struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// DefaultChannels is the fixed subscription set of the dashboard stream.
func DefaultChannels() []string {
	return []string{"price_updates", "trades", "alerts", "activities"}
}
