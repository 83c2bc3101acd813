package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/rtlstream/errors"
)

// Upgrader returns a websocket upgrader accepting any origin.
func Upgrader(readBuffer, writeBuffer int) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin:     func(_ *http.Request) bool { return true },
		ReadBufferSize:  readBuffer,
		WriteBufferSize: writeBuffer,
	}
}

// WebSocket is a Conn over a gorilla websocket. Every message is one frame.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*WebSocket)(nil)

// NewWebSocket wraps conn. maxFrame limits inbound message size when positive.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration, maxFrame int64) *WebSocket {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if maxFrame > 0 {
		conn.SetReadLimit(maxFrame)
	}
	return &WebSocket{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame returns the next text or binary message.
func (w *WebSocket) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, errors.Join(errors.ErrConnectionLost, err)
			}
			return nil, errors.WrapTransient(errors.Join(errors.ErrConnectionLost, err), "WebSocket", "ReadFrame", "read message")
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame sends frame as a text message.
func (w *WebSocket) WriteFrame(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrConnectionLost, err), "WebSocket", "WriteFrame", "write message")
	}
	return nil
}

// Close sends a close frame best effort and closes the socket.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		w.writeMu.Unlock()
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// Stream is false: websocket messages are whole frames.
func (w *WebSocket) Stream() bool { return false }
