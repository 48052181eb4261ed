// Package memdht is an in-process engine. Servers register by public key,
// connections are in-memory pipes and announcements live in a map. It is used
// by tests and by `dhtrelay serve --engine memory`.
package memdht

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

const firstPort = 49152

// Network is a shared in-memory DHT. All nodes of one Network see each
// other's servers and announcements.
type Network struct {
	mu       sync.Mutex
	servers  map[crypto.PublicKey]*server
	topics   map[protocol.Topic]map[crypto.PublicKey]struct{}
	nextPort uint16
	closed   bool

	nonces io.Reader
}

// New creates an empty network that draws handshake nonces from crypto/rand.
func New() *Network {
	return NewWithRand(rand.Reader)
}

// NewWithRand creates a network with a caller-provided nonce source.
func NewWithRand(r io.Reader) *Network {
	return &Network{
		servers:  make(map[crypto.PublicKey]*server),
		topics:   make(map[protocol.Topic]map[crypto.PublicKey]struct{}),
		nextPort: firstPort,
		nonces:   r,
	}
}

var _ dht.Node = (*Network)(nil)

func (n *Network) CreateServer() dht.Server {
	return &server{network: n}
}

func (n *Network) Connect(ctx context.Context, kp crypto.KeyPair, remote crypto.PublicKey) (dht.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, dht.ErrNodeClosed
	}
	srv, ok := n.servers[remote]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", remote.Short(), dht.ErrPeerNotFound)
	}

	var nonce [32]byte
	if _, err := io.ReadFull(n.nonces, nonce[:]); err != nil {
		return nil, fmt.Errorf("connect %s: handshake nonce: %w", remote.Short(), err)
	}
	hash := crypto.NewHandshakeHash(kp.PublicKey, remote, nonce[:])

	a, b := net.Pipe()
	initiator := dht.NewStreamSocket(a, kp.PublicKey, remote, hash)
	responder := dht.NewStreamSocket(b, remote, kp.PublicKey, hash)

	if !srv.accept(responder) {
		a.Close()
		b.Close()
		return nil, fmt.Errorf("connect %s: %w", remote.Short(), dht.ErrPeerNotFound)
	}
	util.Logf("memdht: %s connected to %s", kp.PublicKey.Short(), remote.Short())
	return initiator, nil
}

func (n *Network) Lookup(ctx context.Context, topic protocol.Topic, each func(dht.Reply)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return dht.ErrNodeClosed
	}
	peers := n.peersLocked(topic)
	n.mu.Unlock()

	if len(peers) > 0 {
		each(n.reply(topic, peers))
	}
	return nil
}

func (n *Network) Announce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair, each func(dht.Reply)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kp.Valid() {
		return fmt.Errorf("announce: %w", crypto.ErrInvalidKey)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return dht.ErrNodeClosed
	}
	set, ok := n.topics[topic]
	if !ok {
		set = make(map[crypto.PublicKey]struct{})
		n.topics[topic] = set
	}
	set[kp.PublicKey] = struct{}{}
	peers := n.peersLocked(topic)
	n.mu.Unlock()

	each(n.reply(topic, peers))
	return nil
}

func (n *Network) Unannounce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return dht.ErrNodeClosed
	}
	if set, ok := n.topics[topic]; ok {
		delete(set, kp.PublicKey)
		if len(set) == 0 {
			delete(n.topics, topic)
		}
	}
	return nil
}

// Close closes every registered server. Later calls on the network fail with
// dht.ErrNodeClosed.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	servers := make([]*server, 0, len(n.servers))
	for _, s := range n.servers {
		servers = append(servers, s)
	}
	n.mu.Unlock()

	for _, s := range servers {
		s.Close()
	}
	return nil
}

// peersLocked returns the announcers of topic sorted by key.
func (n *Network) peersLocked(topic protocol.Topic) []protocol.Peer {
	set := n.topics[topic]
	peers := make([]protocol.Peer, 0, len(set))
	for pk := range set {
		peers = append(peers, protocol.Peer{PublicKey: pk})
	}
	slices.SortFunc(peers, func(a, b protocol.Peer) int {
		return bytes.Compare(a.PublicKey[:], b.PublicKey[:])
	})
	return peers
}

func (n *Network) reply(topic protocol.Topic, peers []protocol.Peer) dht.Reply {
	node := protocol.Node{
		ID:      topic[:],
		Address: protocol.IPv4Address{IP: netip.AddrFrom4([4]byte{127, 0, 0, 1}), Port: firstPort - 1},
	}
	return dht.Reply{
		Token: crypto.Hash32(topic[:]),
		From:  node,
		To:    node,
		Peers: peers,
	}
}

func (n *Network) allocPort() uint16 {
	p := n.nextPort
	n.nextPort++
	if n.nextPort == 0 {
		n.nextPort = firstPort
	}
	return p
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

type server struct {
	dht.ServerEvents

	network *Network

	mu        sync.Mutex
	kp        crypto.KeyPair
	addr      protocol.IPv4Address
	listening bool
	closed    bool
}

func (s *server) Listen(kp crypto.KeyPair) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return dht.ErrServerClosed
	case s.listening:
		s.mu.Unlock()
		return dht.ErrAlreadyListening
	}

	n := s.network
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.mu.Unlock()
		return dht.ErrNodeClosed
	}
	if _, taken := n.servers[kp.PublicKey]; taken {
		n.mu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", kp.PublicKey.Short(), dht.ErrKeyInUse)
	}
	n.servers[kp.PublicKey] = s
	s.addr = protocol.IPv4Address{IP: netip.AddrFrom4([4]byte{127, 0, 0, 1}), Port: n.allocPort()}
	n.mu.Unlock()

	s.kp = kp
	s.listening = true
	s.mu.Unlock()

	util.Logf("memdht: %s listening on %s", kp.PublicKey.Short(), s.addr)
	s.EmitListening()
	return nil
}

func (s *server) Address() protocol.IPv4Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *server) PublicKey() crypto.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kp.PublicKey
}

// accept hands an inbound socket to connection handlers. It reports false if
// the server stopped listening in the meantime.
func (s *server) accept(sock dht.Socket) bool {
	s.mu.Lock()
	ok := s.listening && !s.closed
	s.mu.Unlock()
	if ok {
		s.EmitConnection(sock)
	}
	return ok
}

func (s *server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasListening := s.listening
	s.listening = false
	pk := s.kp.PublicKey
	s.mu.Unlock()

	if wasListening {
		n := s.network
		n.mu.Lock()
		if n.servers[pk] == s {
			delete(n.servers, pk)
		}
		n.mu.Unlock()
	}

	s.EmitClose()
	return nil
}
