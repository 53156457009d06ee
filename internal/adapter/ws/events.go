package ws

import (
	"encoding/json"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// Message types sent to clients.
const (
	MessageTypeConnected = "connected"
	MessageTypeEvent     = "event"
)

// Message is the envelope for every frame the hub sends.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectedPayload is the hello frame sent once per connection. Clients use
// server_time to anchor relative timestamps.
type ConnectedPayload struct {
	ServerTime time.Time `json:"server_time"`
}

func helloMessage() Message {
	payload, _ := json.Marshal(ConnectedPayload{ServerTime: time.Now().UTC()})
	return Message{Type: MessageTypeConnected, Payload: payload}
}

func eventMessage(ev *event.Event) (Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeEvent, Payload: payload}, nil
}
