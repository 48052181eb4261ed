// Package relay serves controllers: one Session per control channel, exposed
// over WebSocket, WebRTC DataChannel or a raw TCP stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/proxy"
	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/util"
)

var (
	ErrAlreadyListening = errors.New("relay: key pair is already listening")
	ErrUnknownKey       = errors.New("relay: no key pair for public key")
)

// Session serves one controller. It owns the servers the controller asked
// for, a Dialer for outgoing connections, and the key pairs it was handed.
type Session struct {
	id   string
	node dht.Node
	ch   *control.Channel

	ids    *proxy.IDs
	dialer *proxy.Dialer
	subs   event.Group

	mu      sync.Mutex
	keyring map[crypto.PublicKey]crypto.KeyPair
	servers map[crypto.PublicKey]*proxy.Server

	ctx     context.Context
	cancel  context.CancelFunc
	queries sync.WaitGroup
}

// NewSession wires a session to conn. Nothing is read until Run.
func NewSession(node dht.Node, conn transport.Conn) *Session {
	ch := control.New(conn)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		node:    node,
		ch:      ch,
		ids:     proxy.NewIDs(),
		keyring: make(map[crypto.PublicKey]crypto.KeyPair),
		servers: make(map[crypto.PublicKey]*proxy.Server),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.dialer = proxy.NewDialer(node, ch, s.ids)

	s.subs.Add(
		control.On(ch, s.onHandshake),
		control.On(ch, s.onPing),
		control.On(ch, s.onListen),
		control.On(ch, s.onLookup),
		control.On(ch, s.onAnnounce),
		control.On(ch, s.onUnannounce),
		control.On(ch, s.onSign),
		control.On(ch, s.onError),
	)
	return s
}

func (s *Session) ID() string { return s.id }

// Run serves the controller until the channel closes or ctx is cancelled,
// then tears down every server, connection and query of the session. It
// returns the error that closed the channel, nil for a clean close.
func (s *Session) Run(ctx context.Context) error {
	util.Stats.OpenSession()
	defer util.Stats.CloseSession()

	util.LogInfo("Session %s opened from %s", s.id, s.ch.RemoteAddr())
	s.ch.Start(ctx)
	<-s.ch.Done()

	s.shutdown()

	err := s.ch.Err()
	if err != nil {
		util.LogWarning("Session %s closed: %v", s.id, err)
	} else {
		util.LogInfo("Session %s closed", s.id)
	}
	return err
}

// Close ends the session. Run returns once teardown is complete.
func (s *Session) Close() error { return s.ch.Close() }

func (s *Session) shutdown() {
	s.cancel()
	s.subs.Release()

	s.mu.Lock()
	servers := make([]*proxy.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()

	for _, srv := range servers {
		srv.Close()
	}
	s.dialer.Close()

	for _, srv := range servers {
		<-srv.Done()
	}
	<-s.dialer.Done()
	s.queries.Wait()
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// remember adds kp to the keyring used by sign. A pair whose secret key does
// not derive its public key is not kept.
func (s *Session) remember(kp crypto.KeyPair) {
	if !kp.Valid() {
		util.LogDebug("Session %s: ignoring invalid key pair for %s", s.id, kp.PublicKey.Short())
		return
	}
	s.mu.Lock()
	s.keyring[kp.PublicKey] = kp
	s.mu.Unlock()
}

func (s *Session) onHandshake(m protocol.Handshake) {
	util.LogDebug("Session %s: handshake as %s", s.id, m.KeyPair.PublicKey.Short())
	s.remember(m.KeyPair)
}

func (s *Session) onPing(protocol.Ping) {
	s.send(s.ch.Pong(s.ctx))
}

func (s *Session) onError(m protocol.ErrorMessage) {
	util.LogWarning("Session %s: controller error: %s", s.id, m.Message)
}

func (s *Session) onListen(m protocol.Listen) {
	kp := m.KeyPair
	s.remember(kp)

	s.mu.Lock()
	old := s.servers[kp.PublicKey]
	s.mu.Unlock()
	if old != nil {
		if old.State() < proxy.StateClosing {
			s.send(s.ch.Error(s.ctx, fmt.Errorf("%w: %s", ErrAlreadyListening, kp.PublicKey.Short())))
			return
		}
		// The controller may see closed before the server finishes its
		// teardown.
		<-old.Done()
	}

	s.mu.Lock()
	srv := proxy.NewServer(s.node, s.ch, kp, s.ids)
	s.servers[kp.PublicKey] = srv
	s.mu.Unlock()

	go func() {
		<-srv.Done()
		s.mu.Lock()
		if s.servers[kp.PublicKey] == srv {
			delete(s.servers, kp.PublicKey)
		}
		s.mu.Unlock()
	}()
}

func (s *Session) onLookup(m protocol.Lookup) {
	s.query(m.ID, "lookup", func(ctx context.Context, each func(dht.Reply)) error {
		return s.node.Lookup(ctx, m.Topic, each)
	})
}

func (s *Session) onAnnounce(m protocol.Announce) {
	s.remember(m.KeyPair)
	s.query(m.ID, "announce", func(ctx context.Context, each func(dht.Reply)) error {
		return s.node.Announce(ctx, m.Topic, m.KeyPair, each)
	})
}

func (s *Session) onUnannounce(m protocol.Unannounce) {
	s.remember(m.KeyPair)
	s.query(m.ID, "unannounce", func(ctx context.Context, _ func(dht.Reply)) error {
		return s.node.Unannounce(ctx, m.Topic, m.KeyPair)
	})
}

// onSign signs with a valid key pair the controller handed over earlier. An
// unknown key answers with an error followed by an empty signature.
func (s *Session) onSign(m protocol.Sign) {
	s.mu.Lock()
	kp, ok := s.keyring[m.PublicKey]
	s.mu.Unlock()

	if !ok {
		s.send(s.ch.Error(s.ctx, fmt.Errorf("%w: %s", ErrUnknownKey, m.PublicKey.Short())))
		s.send(s.ch.Signature(s.ctx, m.ID, nil))
		return
	}
	s.send(s.ch.Signature(s.ctx, m.ID, kp.Sign(m.Data)))
}

// query runs a dht walk off the reader goroutine, streaming each reply as a
// result and always ending with finished.
func (s *Session) query(id protocol.QueryID, name string, run func(context.Context, func(dht.Reply)) error) {
	s.queries.Add(1)
	go func() {
		defer s.queries.Done()

		util.Logf("Session %s: %s %s started", s.id, name, id)
		err := run(s.ctx, func(r dht.Reply) {
			s.send(s.ch.Result(s.ctx, id, protocol.EncodeAnnouncers(protocol.Announcers(r))))
		})
		if err != nil {
			util.LogWarning("Session %s: %s %s: %v", s.id, name, id, err)
			s.send(s.ch.Error(s.ctx, fmt.Errorf("%s: %w", name, err)))
		}
		s.send(s.ch.Finished(s.ctx, id))
	}()
}

func (s *Session) send(err error) {
	if err != nil {
		util.LogDebug("Session %s: send: %v", s.id, err)
	}
}
