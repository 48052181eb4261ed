package control

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/transport"
)

const waitFor = 2 * time.Second

func started(t *testing.T) (*Channel, transport.Conn) {
	t.Helper()
	local, remote := transport.Pipe()
	ch := New(local)
	t.Cleanup(func() { ch.Close(); remote.Close() })
	return ch, remote
}

func readMessage(t *testing.T, conn transport.Conn) protocol.Message {
	t.Helper()
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func TestTypedSubscriptions(t *testing.T) {
	ch, remote := started(t)

	pings := make(chan protocol.Ping, 1)
	data := make(chan protocol.Data, 1)
	On(ch, func(m protocol.Ping) { pings <- m })
	On(ch, func(m protocol.Data) { data <- m })
	ch.Start(context.Background())

	var pk crypto.PublicKey
	pk[0] = 7
	require.NoError(t, remote.WriteFrame(protocol.Encode(protocol.Data{
		Socket:    protocol.SocketID{1, 0, 0, 0},
		PublicKey: pk,
		Data:      [][]byte{[]byte("hi")},
	})))
	require.NoError(t, remote.WriteFrame(protocol.Encode(protocol.Ping{})))

	select {
	case m := <-data:
		assert.Equal(t, pk, m.PublicKey)
		assert.Equal(t, [][]byte{[]byte("hi")}, m.Data)
	case <-time.After(waitFor):
		t.Fatal("data not dispatched")
	}
	select {
	case <-pings:
	case <-time.After(waitFor):
		t.Fatal("ping not dispatched")
	}
}

func TestUnsubscribedTypesAreDropped(t *testing.T) {
	ch, remote := started(t)

	pongs := make(chan struct{}, 2)
	pings := make(chan struct{}, 1)
	sub := On(ch, func(protocol.Pong) { pongs <- struct{}{} })
	On(ch, func(protocol.Ping) { pings <- struct{}{} })
	ch.Start(context.Background())

	require.NoError(t, remote.WriteFrame(protocol.Encode(protocol.Pong{})))
	select {
	case <-pongs:
	case <-time.After(waitFor):
		t.Fatal("pong not dispatched")
	}

	sub.Off()
	require.NoError(t, remote.WriteFrame(protocol.Encode(protocol.Pong{})))
	require.NoError(t, remote.WriteFrame(protocol.Encode(protocol.Ping{})))
	select {
	case <-pings:
	case <-time.After(waitFor):
		t.Fatal("ping not dispatched")
	}
	assert.Len(t, pongs, 0)
}

func TestSendPreservesOrder(t *testing.T) {
	ch, remote := started(t)
	ch.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, ch.Finished(ctx, protocol.QueryID{byte(i)}))
	}
	for i := 0; i < 20; i++ {
		msg := readMessage(t, remote)
		require.IsType(t, protocol.Finished{}, msg)
		assert.Equal(t, protocol.QueryID{byte(i)}, msg.(protocol.Finished).ID)
	}
}

func TestFramingErrorClosesChannel(t *testing.T) {
	ch, remote := started(t)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	ch.Start(context.Background())

	require.NoError(t, remote.WriteFrame([]byte{byte(protocol.TypeConnect), 1, 2}))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, protocol.ErrShortBuffer)
	case <-time.After(waitFor):
		t.Fatal("channel did not close")
	}
	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), protocol.ErrShortBuffer)
	assert.ErrorIs(t, ch.Pong(context.Background()), ErrClosed)
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	ch, remote := started(t)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	ch.Start(context.Background())

	var pk crypto.PublicKey
	pk[31] = 1
	require.NoError(t, ch.Pong(context.Background()))
	require.NoError(t, ch.Closed(context.Background(), pk))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.IsType(t, protocol.Pong{}, readMessage(t, remote))
	assert.Equal(t, protocol.Closed{PublicKey: pk}, readMessage(t, remote))

	_, err := remote.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close not emitted")
	}
	assert.ErrorIs(t, ch.Send(context.Background(), protocol.Ping{}), ErrClosed)
}

func TestRemoteCloseIsClean(t *testing.T) {
	ch, remote := started(t)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	ch.Start(context.Background())

	require.NoError(t, remote.Close())
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close not emitted")
	}
}

func TestContextCancelCloses(t *testing.T) {
	ch, _ := started(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch.Start(ctx)
	cancel()

	select {
	case <-ch.Done():
	case <-time.After(waitFor):
		t.Fatal("channel still open")
	}
}

func TestCloseBeforeStart(t *testing.T) {
	ch, remote := started(t)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	require.NoError(t, ch.Close())

	assert.NoError(t, <-closed)
	_, err := remote.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
