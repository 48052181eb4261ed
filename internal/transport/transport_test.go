package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

func exchange(t *testing.T, a, b Conn) {
	t.Helper()
	frames := [][]byte{protocol.Encode(protocol.Ping{}), []byte("second"), make([]byte, 70000)}

	done := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := a.WriteFrame(f); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, want := range frames {
		got, err := b.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.Equal(t, want[:min(8, len(want))], got[:min(8, len(got))])
	}
	require.NoError(t, <-done)
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	exchange(t, a, b)
	exchange(t, b, a)

	require.NoError(t, a.WriteFrame([]byte("queued")))
	require.NoError(t, a.Close())

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "queued", string(got))

	_, err = b.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.WriteFrame([]byte("x")), ErrClosed)
}

func TestStream(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStream(ca, 0)
	b := NewStream(cb, 0)
	defer a.Close()
	defer b.Close()

	exchange(t, a, b)
}

func TestStreamRejectsOversizeFrames(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStream(ca, 0)
	b := NewStream(cb, 16)
	defer a.Close()
	defer b.Close()

	go a.WriteFrame(make([]byte, 17))

	_, err := b.ReadFrame()
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.ErrorIs(t, b.WriteFrame(make([]byte, 17)), protocol.ErrFrameTooLarge)
}

func TestWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebSocket(conn, 0)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, url, 0)
	require.NoError(t, err)
	defer client.Close()

	server := <-serverSide
	defer server.Close()

	exchange(t, client, server)
	exchange(t, server, client)

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, err = server.ReadFrame()
	assert.True(t, errors.Is(err, ErrNotBinary))
}
