package hub

import (
	"encoding/json"

	"github.com/zsprackett/setupwatch/internal/events"
)

// Server to client message types.
const (
	MsgConnected = "connected"
	MsgHistory   = "history"
	MsgEvent     = "setup-manager-event"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Client to server message types.
const (
	MsgPing           = "ping"
	MsgRequestHistory = "request-history"
)

// ServerMessage covers the connected, pong and error messages. Only the
// fields relevant to Type are set.
type ServerMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage is what viewers send.
type ClientMessage struct {
	Type  string          `json:"type"`
	Limit json.RawMessage `json:"limit,omitempty"`
}

// HistoryMessage and EventMessage decode the data payloads for clients.
type HistoryMessage struct {
	Type string               `json:"type"`
	Data []events.StoredEvent `json:"data"`
}

type EventMessage struct {
	Type string             `json:"type"`
	Data events.StoredEvent `json:"data"`
}

func encode(msg ServerMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}

func timestampMessage(typ string, ms int64) []byte {
	return encode(ServerMessage{Type: typ, Timestamp: ms})
}

func errorMessage(text string) []byte {
	return encode(ServerMessage{Type: MsgError, Message: text})
}

func historyMessage(evs []events.StoredEvent) ([]byte, error) {
	return json.Marshal(HistoryMessage{Type: MsgHistory, Data: evs})
}

func eventMessage(ev events.StoredEvent) ([]byte, error) {
	return json.Marshal(EventMessage{Type: MsgEvent, Data: ev})
}
