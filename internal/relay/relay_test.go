package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht/memdht"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/transport"
)

const waitFor = 2 * time.Second

type controller struct {
	conn transport.Conn
	msgs chan protocol.Message
}

func watch(conn transport.Conn) *controller {
	c := &controller{conn: conn, msgs: make(chan protocol.Message, 64)}
	go func() {
		defer close(c.msgs)
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				return
			}
			c.msgs <- msg
		}
	}()
	return c
}

// connect starts a session on node and returns the controller end.
func connect(t *testing.T, node *memdht.Network) (*Session, *controller) {
	t.Helper()
	local, remote := transport.Pipe()
	sess := NewSession(node, local)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() {
		remote.Close()
		<-done
	})
	return sess, watch(remote)
}

func (c *controller) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, c.conn.WriteFrame(protocol.Encode(m)))
}

func (c *controller) expect(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-c.msgs:
		require.True(t, ok, "session closed")
		return m
	case <-time.After(waitFor):
		t.Fatal("no message from relay")
		return nil
	}
}

func keyPair(t *testing.T, b byte) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

func TestPingPong(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	ctl.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, ctl.expect(t))
}

func TestSign(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	kp := keyPair(t, 1)
	data := []byte("sign me")

	ctl.send(t, protocol.Sign{ID: protocol.QueryID{1}, PublicKey: kp.PublicKey, Data: data})
	assert.IsType(t, protocol.ErrorMessage{}, ctl.expect(t))
	assert.Equal(t, protocol.Signature{ID: protocol.QueryID{1}}, ctl.expect(t))

	ctl.send(t, protocol.Handshake{KeyPair: kp})
	ctl.send(t, protocol.Sign{ID: protocol.QueryID{2}, PublicKey: kp.PublicKey, Data: data})

	msg := ctl.expect(t)
	require.IsType(t, protocol.Signature{}, msg)
	sig := msg.(protocol.Signature)
	assert.Equal(t, protocol.QueryID{2}, sig.ID)
	assert.True(t, crypto.Verify(kp.PublicKey, data, sig.Signature))
}

func TestSignRefusesMismatchedKeyPair(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	kp := keyPair(t, 1)
	kp.SecretKey = keyPair(t, 2).SecretKey

	ctl.send(t, protocol.Handshake{KeyPair: kp})
	ctl.send(t, protocol.Sign{ID: protocol.QueryID{3}, PublicKey: kp.PublicKey, Data: []byte("x")})

	msg := ctl.expect(t)
	require.IsType(t, protocol.ErrorMessage{}, msg)
	assert.Contains(t, msg.(protocol.ErrorMessage).Message, ErrUnknownKey.Error())
	assert.Equal(t, protocol.Signature{ID: protocol.QueryID{3}}, ctl.expect(t))
}

func TestAnnounceThenLookup(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	kp := keyPair(t, 2)
	topic := protocol.Topic{0xab}

	ctl.send(t, protocol.Announce{ID: protocol.QueryID{1}, Topic: topic, KeyPair: kp})
	assert.IsType(t, protocol.Result{}, ctl.expect(t))
	assert.Equal(t, protocol.Finished{ID: protocol.QueryID{1}}, ctl.expect(t))

	ctl.send(t, protocol.Lookup{ID: protocol.QueryID{2}, Topic: topic})
	msg := ctl.expect(t)
	require.IsType(t, protocol.Result{}, msg)
	res := msg.(protocol.Result)
	assert.Equal(t, protocol.QueryID{2}, res.ID)

	ann, err := protocol.DecodeAnnouncers(res.Data)
	require.NoError(t, err)
	require.Len(t, ann.Peers, 1)
	assert.Equal(t, kp.PublicKey, ann.Peers[0].PublicKey)
	assert.Equal(t, protocol.Finished{ID: protocol.QueryID{2}}, ctl.expect(t))

	ctl.send(t, protocol.Unannounce{ID: protocol.QueryID{3}, Topic: topic, KeyPair: kp})
	assert.Equal(t, protocol.Finished{ID: protocol.QueryID{3}}, ctl.expect(t))

	ctl.send(t, protocol.Lookup{ID: protocol.QueryID{4}, Topic: topic})
	assert.Equal(t, protocol.Finished{ID: protocol.QueryID{4}}, ctl.expect(t))
}

func TestAnnounceFailureStillFinishes(t *testing.T) {
	_, ctl := connect(t, memdht.New())

	ctl.send(t, protocol.Announce{ID: protocol.QueryID{9}, Topic: protocol.Topic{1}})
	assert.IsType(t, protocol.ErrorMessage{}, ctl.expect(t))
	assert.Equal(t, protocol.Finished{ID: protocol.QueryID{9}}, ctl.expect(t))
}

func TestListenTwiceIsRejected(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	kp := keyPair(t, 3)

	ctl.send(t, protocol.Listen{KeyPair: kp})
	msg := ctl.expect(t)
	require.IsType(t, protocol.Listening{}, msg)
	assert.Equal(t, kp.PublicKey, msg.(protocol.Listening).PublicKey)

	ctl.send(t, protocol.Listen{KeyPair: kp})
	msg = ctl.expect(t)
	require.IsType(t, protocol.ErrorMessage{}, msg)
	assert.Contains(t, msg.(protocol.ErrorMessage).Message, ErrAlreadyListening.Error())

	ctl.send(t, protocol.Close{PublicKey: kp.PublicKey})
	assert.Equal(t, protocol.Closed{PublicKey: kp.PublicKey}, ctl.expect(t))

	// The key is free again once closed.
	ctl.send(t, protocol.Listen{KeyPair: kp})
	assert.IsType(t, protocol.Listening{}, ctl.expect(t))
}

func TestConnectBetweenSessions(t *testing.T) {
	node := memdht.New()
	_, server := connect(t, node)
	_, client := connect(t, node)

	k := keyPair(t, 4)
	r := keyPair(t, 5)

	server.send(t, protocol.Listen{KeyPair: k})
	server.expect(t)

	id := protocol.SocketID{7, 0, 0, 0}
	client.send(t, protocol.Connect{Socket: id, KeyPair: r, RemotePublicKey: k.PublicKey})

	msg := client.expect(t)
	require.IsType(t, protocol.Connection{}, msg)
	out := msg.(protocol.Connection)
	assert.Equal(t, id, out.Socket)
	assert.Equal(t, r.PublicKey, out.PublicKey)
	assert.Equal(t, k.PublicKey, out.RemotePublicKey)

	msg = server.expect(t)
	require.IsType(t, protocol.Connection{}, msg)
	in := msg.(protocol.Connection)
	assert.Equal(t, k.PublicKey, in.PublicKey)
	assert.Equal(t, r.PublicKey, in.RemotePublicKey)
	assert.Equal(t, out.HandshakeHash, in.HandshakeHash)

	client.send(t, protocol.Data{Socket: id, PublicKey: k.PublicKey, Data: [][]byte{[]byte("hello")}})
	msg = server.expect(t)
	require.IsType(t, protocol.Data{}, msg)
	assert.Equal(t, r.PublicKey, msg.(protocol.Data).PublicKey)
	assert.Equal(t, "hello", string(bytes.Join(msg.(protocol.Data).Data, nil)))

	server.send(t, protocol.Data{Socket: in.Socket, PublicKey: r.PublicKey, Data: [][]byte{[]byte("world")}})
	msg = client.expect(t)
	require.IsType(t, protocol.Data{}, msg)
	assert.Equal(t, "world", string(bytes.Join(msg.(protocol.Data).Data, nil)))

	client.send(t, protocol.Destroy{Socket: id, PublicKey: k.PublicKey})
	assert.Equal(t, protocol.Destroy{Socket: id, PublicKey: k.PublicKey}, client.expect(t))
	assert.Equal(t, protocol.Destroy{Socket: in.Socket, PublicKey: r.PublicKey}, server.expect(t))
}

func TestAcceptedSocketIDsAreUniquePerSession(t *testing.T) {
	node := memdht.New()
	_, server := connect(t, node)
	_, client := connect(t, node)

	k1, k2 := keyPair(t, 11), keyPair(t, 12)
	server.send(t, protocol.Listen{KeyPair: k1})
	server.expect(t)
	server.send(t, protocol.Listen{KeyPair: k2})
	server.expect(t)

	r := keyPair(t, 13)
	client.send(t, protocol.Connect{Socket: protocol.SocketID{1}, KeyPair: r, RemotePublicKey: k1.PublicKey})
	require.IsType(t, protocol.Connection{}, client.expect(t))
	first := server.expect(t).(protocol.Connection)

	r2 := keyPair(t, 14)
	client.send(t, protocol.Connect{Socket: protocol.SocketID{2}, KeyPair: r2, RemotePublicKey: k2.PublicKey})
	require.IsType(t, protocol.Connection{}, client.expect(t))
	second := server.expect(t).(protocol.Connection)

	assert.Equal(t, k1.PublicKey, first.PublicKey)
	assert.Equal(t, k2.PublicKey, second.PublicKey)
	assert.NotEqual(t, first.Socket, second.Socket)

	// The server session may not reuse a live id for its own connect.
	server.send(t, protocol.Connect{Socket: first.Socket, KeyPair: k1, RemotePublicKey: r2.PublicKey})
	assert.IsType(t, protocol.ErrorMessage{}, server.expect(t))
	assert.Equal(t, protocol.Destroy{Socket: first.Socket, PublicKey: r2.PublicKey}, server.expect(t))
}

func TestConnectUnknownKey(t *testing.T) {
	_, ctl := connect(t, memdht.New())
	id := protocol.SocketID{1}
	remote := keyPair(t, 6).PublicKey

	ctl.send(t, protocol.Connect{Socket: id, KeyPair: keyPair(t, 7), RemotePublicKey: remote})
	assert.IsType(t, protocol.ErrorMessage{}, ctl.expect(t))
	assert.Equal(t, protocol.Destroy{Socket: id, PublicKey: remote}, ctl.expect(t))
}

func TestSessionCloseReleasesServers(t *testing.T) {
	node := memdht.New()
	local, remote := transport.Pipe()
	sess := NewSession(node, local)
	ctl := watch(remote)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	kp := keyPair(t, 8)
	ctl.send(t, protocol.Listen{KeyPair: kp})
	ctl.expect(t)

	require.NoError(t, remote.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}

	// The key can be bound again by a new session.
	_, other := connect(t, node)
	other.send(t, protocol.Listen{KeyPair: kp})
	assert.IsType(t, protocol.Listening{}, other.expect(t))
}

func TestHTTPSurface(t *testing.T) {
	srv := NewServer(memdht.New(), Options{})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "ok"))

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "dhtrelay_active_sessions")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", 0)
	require.NoError(t, err)
	ctl := watch(conn)
	ctl.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, ctl.expect(t))
	require.NoError(t, conn.Close())
}
