// Package p2pdht runs the engine on libp2p: one host per key pair, Kademlia
// for peer routing and provider records, and streams for sockets.
package p2pdht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	lprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/multiformats/go-multihash"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

// SocketProtocol is the stream protocol carrying bridged connections.
const SocketProtocol = lprotocol.ID("/dhtrelay/socket/1.0.0")

const maxProviders = 20 // providers collected by one lookup walk

var peerstoreTTL = peerstore.AddressTTL

// Config contains the libp2p settings shared by every host of a Node.
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
}

// DefaultListenAddrs binds every host to a random TCP port.
var DefaultListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}

// Node owns the libp2p hosts created for each key pair the relay acts as.
type Node struct {
	cfg       Config
	bootstrap []peer.AddrInfo

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	hosts   map[crypto.PublicKey]*peerHost
	anon    *peerHost
	servers map[*server]struct{}
	closed  bool
}

// peerHost is one libp2p identity with its routing table.
type peerHost struct {
	kp   crypto.KeyPair
	host host.Host
	kad  *kaddht.IpfsDHT
	refs int

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and returns a node. Hosts are started lazily.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultListenAddrs
	}

	var bootstrap []peer.AddrInfo
	for _, s := range cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		bootstrap = append(bootstrap, *info)
	}

	nctx, cancel := context.WithCancel(ctx)
	return &Node{
		cfg:       cfg,
		bootstrap: bootstrap,
		ctx:       nctx,
		cancel:    cancel,
		hosts:     make(map[crypto.PublicKey]*peerHost),
		servers:   make(map[*server]struct{}),
	}, nil
}

var _ dht.Node = (*Node)(nil)

// ---------------------------------------------------------------------------
// Hosts
// ---------------------------------------------------------------------------

// acquire returns the host for kp, starting it on first use.
func (n *Node) acquire(kp crypto.KeyPair) (*peerHost, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, dht.ErrNodeClosed
	}
	if ph, ok := n.hosts[kp.PublicKey]; ok {
		ph.refs++
		return ph, nil
	}

	ph, err := n.startHost(kp)
	if err != nil {
		return nil, err
	}
	ph.refs = 1
	n.hosts[kp.PublicKey] = ph
	n.linkLocked(ph)
	return ph, nil
}

// release drops one reference and stops the host when none remain.
func (n *Node) release(ph *peerHost) {
	n.mu.Lock()
	ph.refs--
	if ph.refs > 0 {
		n.mu.Unlock()
		return
	}
	if n.hosts[ph.kp.PublicKey] == ph {
		delete(n.hosts, ph.kp.PublicKey)
	}
	n.mu.Unlock()

	if err := ph.close(); err != nil {
		util.LogWarning("p2pdht: stop host %s: %v", ph.kp.PublicKey.Short(), err)
	}
}

// anonymous returns a throwaway identity for lookups that are not tied to a
// key pair.
func (n *Node) anonymous() (*peerHost, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, dht.ErrNodeClosed
	}
	if n.anon != nil {
		return n.anon, nil
	}
	kp, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	ph, err := n.startHost(kp)
	if err != nil {
		return nil, err
	}
	n.anon = ph
	n.linkLocked(ph)
	return ph, nil
}

func (n *Node) startHost(kp crypto.KeyPair) (*peerHost, error) {
	priv, err := lcrypto.UnmarshalEd25519PrivateKey(kp.SecretKey[:])
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", kp.PublicKey.Short(), err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(n.cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := kaddht.New(n.ctx, h,
		kaddht.Mode(kaddht.ModeAutoServer),
		kaddht.BootstrapPeers(n.bootstrap...),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		kad.Close()
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	util.LogDebug("p2pdht: host %s started as %s", kp.PublicKey.Short(), h.ID())
	return &peerHost{kp: kp, host: h, kad: kad}, nil
}

// linkLocked teaches the new host and every other local host each other's
// addresses, so identities served by the same relay can reach each other
// without a routing walk.
func (n *Node) linkLocked(ph *peerHost) {
	link := func(other *peerHost) {
		if other == nil || other == ph {
			return
		}
		ph.host.Peerstore().AddAddrs(other.host.ID(), other.host.Addrs(), peerstoreTTL)
		other.host.Peerstore().AddAddrs(ph.host.ID(), ph.host.Addrs(), peerstoreTTL)
	}
	for _, other := range n.hosts {
		link(other)
	}
	link(n.anon)
}

func (ph *peerHost) close() error {
	ph.closeOnce.Do(func() {
		ph.closeErr = errors.Join(ph.kad.Close(), ph.host.Close())
	})
	return ph.closeErr
}

// self describes the host as a routing node.
func (ph *peerHost) self() protocol.Node {
	return protocol.Node{ID: []byte(ph.host.ID()), Address: firstIPv4(ph.host.Addrs())}
}

// ---------------------------------------------------------------------------
// dht.Node
// ---------------------------------------------------------------------------

func (n *Node) CreateServer() dht.Server {
	s := &server{node: n}
	n.mu.Lock()
	if n.closed {
		s.closed = true
	} else {
		n.servers[s] = struct{}{}
	}
	n.mu.Unlock()
	return s
}

func (n *Node) forget(s *server) {
	n.mu.Lock()
	delete(n.servers, s)
	n.mu.Unlock()
}

func (n *Node) Connect(ctx context.Context, kp crypto.KeyPair, remote crypto.PublicKey) (dht.Socket, error) {
	pid, err := peerID(remote)
	if err != nil {
		return nil, err
	}

	ph, err := n.acquire(kp)
	if err != nil {
		return nil, err
	}

	if ph.host.Network().Connectedness(pid) != network.Connected &&
		len(ph.host.Peerstore().Addrs(pid)) == 0 {
		info, err := ph.kad.FindPeer(ctx, pid)
		if err != nil {
			n.release(ph)
			return nil, fmt.Errorf("connect %s: %w: %v", remote.Short(), dht.ErrPeerNotFound, err)
		}
		ph.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstoreTTL)
	}

	stream, err := ph.host.NewStream(ctx, pid, SocketProtocol)
	if err != nil {
		n.release(ph)
		return nil, fmt.Errorf("connect %s: %w", remote.Short(), err)
	}

	nonce, err := writeNonce(stream)
	if err != nil {
		stream.Reset()
		n.release(ph)
		return nil, fmt.Errorf("connect %s: %w", remote.Short(), err)
	}

	hash := crypto.NewHandshakeHash(kp.PublicKey, remote, nonce)
	sock := dht.NewStreamSocket(stream, kp.PublicKey, remote, hash)
	sock.OnClose(func() { n.release(ph) })
	return sock, nil
}

func (n *Node) Lookup(ctx context.Context, topic protocol.Topic, each func(dht.Reply)) error {
	c, err := topicCID(topic)
	if err != nil {
		return err
	}
	ph, err := n.anonymous()
	if err != nil {
		return err
	}

	self := ph.self()
	for info := range ph.kad.FindProvidersAsync(ctx, c, maxProviders) {
		pk, err := rawPublicKey(info.ID)
		if err != nil {
			util.Logf("p2pdht: skip provider %s: %v", info.ID, err)
			continue
		}
		from := protocol.Node{ID: []byte(info.ID), Address: firstIPv4(info.Addrs)}
		each(dht.Reply{
			Token: token(topic, info.ID),
			From:  from,
			To:    self,
			Peers: []protocol.Peer{{PublicKey: pk, RelayAddresses: ipv4Addrs(info.Addrs)}},
		})
	}
	return ctx.Err()
}

// Announce publishes a provider record for topic from the key pair's own
// host. The host stays up until Unannounce.
func (n *Node) Announce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair, each func(dht.Reply)) error {
	if !kp.Valid() {
		return fmt.Errorf("announce: %w", crypto.ErrInvalidKey)
	}
	c, err := topicCID(topic)
	if err != nil {
		return err
	}
	ph, err := n.acquire(kp)
	if err != nil {
		return err
	}

	if err := ph.kad.Provide(ctx, c, true); err != nil {
		n.release(ph)
		return fmt.Errorf("announce: %w", err)
	}

	self := ph.self()
	peers := []protocol.Peer{{PublicKey: kp.PublicKey, RelayAddresses: ipv4Addrs(ph.host.Addrs())}}

	closest, err := ph.kad.GetClosestPeers(ctx, string(c.Hash()))
	if err != nil || len(closest) == 0 {
		each(dht.Reply{Token: token(topic, ph.host.ID()), From: self, To: self, Peers: peers})
		return nil
	}
	for _, pid := range closest {
		to := protocol.Node{ID: []byte(pid), Address: firstIPv4(ph.host.Peerstore().Addrs(pid))}
		each(dht.Reply{Token: token(topic, pid), From: self, To: to, Peers: peers})
	}
	return nil
}

// Unannounce drops the host reference taken by Announce. Kademlia has no
// record removal; stored provider records expire on their own.
func (n *Node) Unannounce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	ph, ok := n.hosts[kp.PublicKey]
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return dht.ErrNodeClosed
	}
	if ok {
		n.release(ph)
	}
	return nil
}

// Close closes every server, then stops every host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	servers := make([]*server, 0, len(n.servers))
	for s := range n.servers {
		servers = append(servers, s)
	}
	n.mu.Unlock()

	for _, s := range servers {
		s.Close()
	}

	n.mu.Lock()
	n.closed = true
	hosts := make([]*peerHost, 0, len(n.hosts)+1)
	for _, ph := range n.hosts {
		hosts = append(hosts, ph)
	}
	if n.anon != nil {
		hosts = append(hosts, n.anon)
	}
	n.hosts = map[crypto.PublicKey]*peerHost{}
	n.anon = nil
	n.mu.Unlock()

	n.cancel()
	var errs []error
	for _, ph := range hosts {
		errs = append(errs, ph.close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topicCID maps a topic to CIDv1(raw, sha2-256(topic)).
func topicCID(topic protocol.Topic) (cid.Cid, error) {
	sum, err := multihash.Sum(topic[:], multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("topic hash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

func peerID(pk crypto.PublicKey) (peer.ID, error) {
	lpk, err := lcrypto.UnmarshalEd25519PublicKey(pk[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", crypto.ErrInvalidKey, err)
	}
	return peer.IDFromPublicKey(lpk)
}

func rawPublicKey(pid peer.ID) (crypto.PublicKey, error) {
	lpk, err := pid.ExtractPublicKey()
	if err != nil {
		return crypto.PublicKey{}, err
	}
	return fromLibp2p(lpk)
}

func fromLibp2p(lpk lcrypto.PubKey) (crypto.PublicKey, error) {
	if lpk == nil || lpk.Type() != lcrypto.Ed25519 {
		return crypto.PublicKey{}, crypto.ErrInvalidKey
	}
	raw, err := lpk.Raw()
	if err != nil {
		return crypto.PublicKey{}, err
	}
	if len(raw) != crypto.PublicKeySize {
		return crypto.PublicKey{}, crypto.ErrInvalidKey
	}
	return crypto.PublicKey(raw), nil
}

func token(topic protocol.Topic, pid peer.ID) [32]byte {
	return crypto.Hash32(append(topic[:], pid...))
}

// ipv4Addrs keeps the IPv4 TCP/UDP addresses of addrs.
func ipv4Addrs(addrs []multiaddr.Multiaddr) []protocol.IPv4Address {
	var out []protocol.IPv4Address
	for _, ma := range addrs {
		if a, ok := toIPv4(ma); ok {
			out = append(out, a)
		}
	}
	return out
}

func firstIPv4(addrs []multiaddr.Multiaddr) protocol.IPv4Address {
	for _, ma := range addrs {
		if a, ok := toIPv4(ma); ok {
			return a
		}
	}
	return protocol.IPv4Address{IP: netip.IPv4Unspecified()}
}

func toIPv4(ma multiaddr.Multiaddr) (protocol.IPv4Address, bool) {
	na, err := manet.ToNetAddr(ma)
	if err != nil {
		return protocol.IPv4Address{}, false
	}
	var ap netip.AddrPort
	switch a := na.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	default:
		return protocol.IPv4Address{}, false
	}
	addr := protocol.AddressFrom(ap)
	if !addr.IP.Is4() {
		return protocol.IPv4Address{}, false
	}
	return addr, true
}
