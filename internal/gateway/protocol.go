package gateway

import "encoding/json"

// Inbound actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Outbound message types
const (
	TypeSubscribed    = "subscribed"
	TypeSessionUpdate = "session_update"
	TypeSessionClosed = "session_closed"
	TypeError         = "error"
	TypePong          = "pong"
)

// ClientMessage is a JSON text frame sent by a client.
type ClientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// ServerMessage is a JSON text frame pushed to a client. CombatState carries
// the snapshot on subscribe; Data carries subsequent update payloads. Both
// are opaque.
type ServerMessage struct {
	Type        string          `json:"type"`
	CombatState json.RawMessage `json:"combatState,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Message     string          `json:"message,omitempty"`
}
