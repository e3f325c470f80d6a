package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-relay/internal/registry"
)

// wsTransport adapts a *websocket.Conn to registry.Transport. gorilla's
// connections support one concurrent reader and one concurrent writer;
// since both the client-read loop and the router's device-write path
// can write to the same connection, every write is serialized through
// mu.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteJSON(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

var _ registry.Transport = (*wsTransport)(nil)
