package protocol

import "encoding/json"

// Client message types.
const (
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeCommand     = "command"
)

// Server message types.
const (
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeSnapshot     = "snapshot"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Message is the envelope shared by every client message. ID is an
// optional correlation id echoed in the reply.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	View string `json:"view,omitempty"`
}

type Command struct {
	Message
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Reply acknowledges a client message.
type Reply struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	View  string `json:"view,omitempty"`
	Error string `json:"error,omitempty"`
}

// Snapshot carries a view's full render state.
type Snapshot struct {
	Type  string `json:"type"`
	View  string `json:"view"`
	Kind  string `json:"kind"`
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// SnapshotOf renders v's current state.
func SnapshotOf(v View) Snapshot {
	data, err := v.Snapshot()
	s := Snapshot{Type: TypeSnapshot, View: v.ID(), Kind: v.Kind(), Data: data}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}
