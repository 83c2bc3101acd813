package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtlstream/errors"
)

func TestTCP_ReadWriteClose(t *testing.T) {
	server, client := net.Pipe()
	conn := NewTCP(server, time.Second, 8)
	assert.True(t, conn.Stream())

	go func() {
		_, _ = client.Write([]byte("0123456789"))
	}()

	first, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(first), "reads are bounded by the buffer")
	second, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "89", string(second))

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		got <- string(buf[:n])
	}()
	require.NoError(t, conn.WriteFrame([]byte("pong")))
	assert.Equal(t, "pong", <-got)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	_ = client.Close()
}

func TestWebSocket_RoundTrip(t *testing.T) {
	serverSide := make(chan *WebSocket, 1)
	upgrader := Upgrader(1024, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- NewWebSocket(c, time.Second, 1024)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	conn := <-serverSide
	assert.False(t, conn.Stream())
	assert.NotEmpty(t, conn.RemoteAddr())

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"HeartBeat"}`)))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HeartBeat"}`, string(frame))

	require.NoError(t, conn.WriteFrame([]byte("<rtls/>")))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "<rtls/>", string(data))

	require.NoError(t, conn.Close())
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_ReadAfterPeerClose(t *testing.T) {
	serverSide := make(chan *WebSocket, 1)
	upgrader := Upgrader(1024, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebSocket(c, time.Second, 0)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	conn := <-serverSide
	defer conn.Close()

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = client.Close()

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}
