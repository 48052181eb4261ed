package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

const closeGracePeriod = time.Second

// WebSocket carries one frame per binary message.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an upgraded or dialed connection. Messages longer than
// maxFrame fail the read; zero means protocol.DefaultMaxFrameSize.
func NewWebSocket(conn *websocket.Conn, maxFrame int) *WebSocket {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrame))
	return &WebSocket{conn: conn}
}

// DialWebSocket connects to a relay's /ws endpoint.
func DialWebSocket(ctx context.Context, url string, maxFrame int) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWebSocket(conn, maxFrame), nil
}

func (w *WebSocket) ReadFrame() ([]byte, error) {
	typ, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, ErrNotBinary
	}
	return data, nil
}

func (w *WebSocket) WriteFrame(frame []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal close message, best effort, and closes the socket.
func (w *WebSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return w.conn.Close()
}

func (w *WebSocket) RemoteAddr() string { return w.conn.RemoteAddr().String() }
