package session

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the full-duplex framed stream a control-channel session
// rides on. The session, dispatch, and heartbeat logic only ever talk
// to this interface, so any transport capable of carrying the
// protocol's JSON envelopes as discrete messages works — websocket is
// this build's concrete choice, not a requirement of the design.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsTransport adapts a gorilla/websocket connection to Transport.
// Gorilla's Conn permits at most one concurrent writer, so writes are
// serialized here even though Session already funnels all writes
// through a single goroutine — this guards any other direct caller.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an already-upgraded websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
