// Package protocol defines the wire messages exchanged between subscribers
// and the hub, and the error taxonomy shared by adapters, the extension
// host, and the hub.
//
// All messages are JSON text frames. Binary payloads (terminal output,
// keyboard input) are base64-encoded in `data_b64` fields so that frames
// stay valid UTF-8 regardless of what the backend emits.
package protocol

import "encoding/json"

// LocalController is the controller value meaning "the local side of the
// session governs the displayed size". It is the initial controller for
// every session and the value the controller reverts to on release or
// controller disconnect.
const LocalController = "local"

type MessageType string

const (
	// Subscriber → hub.
	MsgControlRequest MessageType = "control_request"
	MsgControlRelease MessageType = "control_release"
	MsgResize         MessageType = "resize"
	MsgInput          MessageType = "input"

	// Hub → subscriber.
	MsgControl    MessageType = "control"
	MsgSubscribed MessageType = "subscribed"
	MsgOutput     MessageType = "output"
	MsgExit       MessageType = "exit"
)

// Message is the envelope for every client↔hub frame. Only the fields
// relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// Resize (both directions).
	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`

	// Input and output payloads.
	DataB64 string `json:"data_b64,omitempty"`

	// Control broadcast and subscribed handshake.
	ControllerID string `json:"controller_id,omitempty"`

	// Subscribed handshake.
	SubscriberID string `json:"subscriber_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	HistoryB64   string `json:"history_b64,omitempty"`

	// Exit.
	Reason string `json:"reason,omitempty"`
}

// Encode marshals m for the wire. Marshalling a Message cannot fail; the
// error return exists so call sites read naturally.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a single wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
