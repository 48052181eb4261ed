package p2pdht

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/protocol"
)

func TestTopicCID(t *testing.T) {
	topic := protocol.Topic(crypto.Hash32([]byte("chat")))

	a, err := topicCID(topic)
	require.NoError(t, err)
	b, err := topicCID(topic)
	require.NoError(t, err)

	assert.True(t, a.Equals(b))
	assert.Equal(t, uint64(1), a.Version())
	assert.Equal(t, uint64(cid.Raw), a.Type())

	decoded, err := multihash.Decode(a.Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(multihash.SHA2_256), decoded.Code)
}

func TestPeerIDRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	pid, err := peerID(kp.PublicKey)
	require.NoError(t, err)

	pk, err := rawPublicKey(pid)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pk)
}

func TestToIPv4(t *testing.T) {
	testCases := []struct {
		addr string
		want string
		ok   bool
	}{
		{"/ip4/127.0.0.1/tcp/4001", "127.0.0.1:4001", true},
		{"/ip4/10.1.2.3/udp/9000", "10.1.2.3:9000", true},
		{"/ip6/::1/tcp/4001", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			ma, err := multiaddr.NewMultiaddr(tc.addr)
			require.NoError(t, err)

			got, ok := toIPv4(ma)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got.String())
			}
		})
	}
}

func TestNewRejectsBadBootstrapPeer(t *testing.T) {
	_, err := New(context.Background(), Config{BootstrapPeers: []string{"not-a-multiaddr"}})
	assert.Error(t, err)
}

func TestLocalConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	node, err := New(ctx, Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	defer node.Close()

	serverKP, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)
	clientKP, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	srv := node.CreateServer()
	accepted := make(chan dht.Socket, 1)
	srv.OnConnection(func(s dht.Socket) { accepted <- s })
	require.NoError(t, srv.Listen(serverKP))
	assert.Equal(t, "127.0.0.1", srv.Address().IP.String())

	sock, err := node.Connect(ctx, clientKP, serverKP.PublicKey)
	require.NoError(t, err)
	defer sock.Destroy()
	require.NoError(t, sock.Write([]byte("hello")))

	var remote dht.Socket
	select {
	case remote = <-accepted:
	case <-ctx.Done():
		t.Fatal("no inbound stream")
	}
	assert.Equal(t, clientKP.PublicKey, remote.RemotePublicKey())
	assert.Equal(t, sock.HandshakeHash(), remote.HandshakeHash())

	got := make(chan []byte, 1)
	remote.OnData(func(p []byte) { got <- p })
	select {
	case p := <-got:
		assert.Equal(t, "hello", string(p))
	case <-ctx.Done():
		t.Fatal("no data")
	}

	// A second connection between the same keys is bound to its own nonce.
	again, err := node.Connect(ctx, clientKP, serverKP.PublicKey)
	require.NoError(t, err)
	defer again.Destroy()
	assert.NotEqual(t, sock.HandshakeHash(), again.HandshakeHash())
	select {
	case remote = <-accepted:
		assert.Equal(t, again.HandshakeHash(), remote.HandshakeHash())
	case <-ctx.Done():
		t.Fatal("no second inbound stream")
	}
}

func TestNonceExchange(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sent := make(chan []byte, 1)
	go func() {
		nonce, err := writeNonce(a)
		assert.NoError(t, err)
		sent <- nonce
	}()

	got, err := readNonce(b)
	require.NoError(t, err)
	assert.Len(t, got, nonceSize)
	assert.Equal(t, <-sent, got)
}

func TestReadNonceShortStream(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		a.Write([]byte{1, 2, 3})
		a.Close()
	}()

	_, err := readNonce(b)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
