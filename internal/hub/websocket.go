package hub

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// pongWait bounds how long the transport waits for any frame from the
	// peer; protocol pings are sent every PingInterval, which must be shorter.
	pongWait     = 60 * time.Second
	PingInterval = (pongWait * 9) / 10
)

// Transport is one viewer connection. WriteMessage and Ping are only called
// from the session's writer goroutine; Close may be called from anywhere.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close(code int, reason string) error
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebsocketTransport adapts an upgraded gorilla connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}
}

// ReadMessage returns the next data message. At most one byte past
// MaxClientMessageBytes is buffered; the rest of an oversized frame is
// discarded so the session survives and the hub can reply with an error.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, r, err := t.conn.NextReader()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(r, MaxClientMessageBytes+1))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}
