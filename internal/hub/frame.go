package hub

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with clients.
const (
	TypeAuth            = "auth"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeStatus          = "status"
	TypeError           = "error"
	TypeAlert           = "alert"
	TypeTokenUpdate     = "token_update"
	TypePatternDetected = "pattern_detected"
)

// Broadcast channels.
const (
	ChannelAlerts   = "alerts"
	ChannelTokens   = "tokens"
	ChannelPatterns = "patterns"
)

// Frame is the envelope for every server -> client message.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authData struct {
	Token string `json:"token"`
}

type subscriptionData struct {
	Channels []string `json:"channels"`
}

type errorData struct {
	Message string `json:"message"`
}
