package p2pdht

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

// server accepts SocketProtocol streams on the host of its key pair.
type server struct {
	dht.ServerEvents

	node *Node

	mu     sync.Mutex
	ph     *peerHost
	closed bool
}

func (s *server) Listen(kp crypto.KeyPair) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dht.ErrServerClosed
	}
	if s.ph != nil {
		s.mu.Unlock()
		return dht.ErrAlreadyListening
	}

	ph, err := s.node.acquire(kp)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if hasHandler(ph) {
		s.node.release(ph)
		s.mu.Unlock()
		return dht.ErrKeyInUse
	}
	s.ph = ph
	ph.host.SetStreamHandler(SocketProtocol, s.handleStream)
	s.mu.Unlock()

	util.LogDebug("p2pdht: %s listening on %v", kp.PublicKey.Short(), ph.host.Addrs())
	s.EmitListening()
	return nil
}

func hasHandler(ph *peerHost) bool {
	for _, id := range ph.host.Mux().Protocols() {
		if id == SocketProtocol {
			return true
		}
	}
	return false
}

func (s *server) handleStream(stream network.Stream) {
	remote, err := fromLibp2p(stream.Conn().RemotePublicKey())
	if err != nil {
		util.LogWarning("p2pdht: reject stream from %s: %v", stream.Conn().RemotePeer(), err)
		stream.Reset()
		return
	}

	s.mu.Lock()
	ph, closed := s.ph, s.closed
	s.mu.Unlock()
	if closed || ph == nil {
		stream.Reset()
		return
	}

	nonce, err := readNonce(stream)
	if err != nil {
		util.Logf("p2pdht: stream from %s: %v", remote.Short(), err)
		stream.Reset()
		return
	}

	local := ph.kp.PublicKey
	hash := crypto.NewHandshakeHash(remote, local, nonce)
	s.EmitConnection(dht.NewStreamSocket(stream, local, remote, hash))
}

func (s *server) Address() protocol.IPv4Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ph == nil {
		return protocol.IPv4Address{}
	}
	return firstIPv4(s.ph.host.Addrs())
}

func (s *server) PublicKey() crypto.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ph == nil {
		return crypto.PublicKey{}
	}
	return s.ph.kp.PublicKey
}

func (s *server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ph := s.ph
	s.mu.Unlock()

	if ph != nil {
		ph.host.RemoveStreamHandler(SocketProtocol)
		s.node.release(ph)
	}
	s.node.forget(s)
	s.EmitClose()
	return nil
}
