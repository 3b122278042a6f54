package hub

import "encoding/json"

// Frame type tags. All frames are JSON objects with a required "type".
const (
	frameHello       = "hello"
	frameWelcome     = "welcome"
	frameSubscribe   = "subscribe"
	frameSubscribed  = "subscribed"
	frameUnsubscribe = "unsubscribe"
	frameRequest     = "request"
	framePing        = "ping"
	framePong        = "pong"
	frameEvent       = "event"
	frameGap         = "gap"
	frameError       = "error"
	frameBye         = "bye"
)

// clientFrame is the tagged union of client-to-server messages. Fields not
// belonging to the tagged type are ignored.
type clientFrame struct {
	Type string `json:"type"`

	// hello
	OwnerID string `json:"owner_id,omitempty"`
	Token   string `json:"token,omitempty"`

	// subscribe / unsubscribe
	Topics []string `json:"topics,omitempty"`
	Since  *int64   `json:"since,omitempty"`

	// request
	ConversationID string          `json:"conversation_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SafetyMode     string          `json:"safety_mode,omitempty"`
	DeadlineMS     int64           `json:"deadline_ms,omitempty"`
}

type welcomeFrame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	ServerTime int64  `json:"server_time"`
}

type subscribedFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type pongFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

type eventFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type gapFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	From  int64  `json:"from"`
	To    int64  `json:"to"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type byeFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
