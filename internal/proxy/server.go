// Package proxy bridges dht servers and sockets onto a control channel.
//
// A Server owns one local dht server bound to a key pair and reports its
// lifecycle and connections as protocol messages. A Dialer does the same for
// connections the controller asks for. Each bridge runs all of its state
// changes on a single loop goroutine; engine and channel callbacks only post
// closures into it.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

// State is a bridge lifecycle stage. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateOpen
	StateClosing
	StateClosed
)

var stateNames = [...]string{"created", "listening", "open", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Server bridges one dht.Server onto a control channel.
type Server struct {
	kp     crypto.KeyPair
	server dht.Server
	ch     *control.Channel

	loop  *loop
	conns *table

	state       atomic.Int32
	serverSubs  event.Group
	channelSubs event.Group

	closeOnce sync.Once
	done      chan struct{}
	closed    event.Signal[struct{}]
}

// NewServer creates a server on node and binds it to kp. Accepted connections
// get their SocketIDs from ids, which every bridge on ch must share. A listen
// failure is reported on ch as an error message followed by closed.
func NewServer(node dht.Node, ch *control.Channel, kp crypto.KeyPair, ids *IDs) *Server {
	l := newLoop()
	s := &Server{
		kp:     kp,
		server: node.CreateServer(),
		ch:     ch,
		loop:   l,
		conns:  newTable(ch, l, ids),
		done:   make(chan struct{}),
	}

	s.serverSubs.Add(
		s.server.OnListening(func() { l.post(s.onListening) }),
		s.server.OnConnection(func(sock dht.Socket) {
			if !l.post(func() { s.onConnection(sock) }) {
				sock.Destroy()
			}
		}),
		s.server.OnClose(func() { l.post(s.onServerClose) }),
	)
	s.channelSubs.Add(
		control.On(ch, func(m protocol.Data) { l.post(func() { s.conns.onData(m) }) }),
		control.On(ch, func(m protocol.Destroy) { l.post(func() { s.conns.onDestroy(m) }) }),
		control.On(ch, func(m protocol.Close) { l.post(func() { s.onCloseMessage(m) }) }),
		ch.OnClose(func(error) { s.Close() }),
	)

	if err := s.server.Listen(kp); err != nil {
		util.LogWarning("proxy: listen %s: %v", kp.PublicKey.Short(), err)
		l.post(func() { s.conns.send(ch.Error(context.Background(), err)) })
		s.Close()
	}
	return s
}

func (s *Server) PublicKey() crypto.PublicKey { return s.kp.PublicKey }

func (s *Server) State() State { return State(s.state.Load()) }

// Done is closed once the server reaches StateClosed.
func (s *Server) Done() <-chan struct{} { return s.done }

// OnClose subscribes fn to the transition to StateClosed.
func (s *Server) OnClose(fn func()) *event.Subscription {
	return s.closed.On(func(struct{}) { fn() })
}

// Close asks the local server to shut down. The teardown finishes when the
// server reports closed. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.loop.post(func() {
			if s.State() >= StateClosing {
				return
			}
			s.state.Store(int32(StateClosing))
			if err := s.server.Close(); err != nil {
				util.LogDebug("proxy: close server %s: %v", s.kp.PublicKey.Short(), err)
			}
		})
	})
}

func (s *Server) onListening() {
	if s.State() != StateCreated {
		return
	}
	s.state.Store(int32(StateListening))

	addr := s.server.Address()
	util.LogInfo("Listening as %s on %s", s.kp.PublicKey.Short(), addr)
	s.conns.send(s.ch.Listening(context.Background(), s.kp.PublicKey, addr))

	s.state.Store(int32(StateOpen))
}

func (s *Server) onConnection(sock dht.Socket) {
	remote := sock.RemotePublicKey()
	if s.State() >= StateClosing || s.conns.has(remote) {
		util.Logf("proxy: %s rejecting connection from %s", s.kp.PublicKey.Short(), remote.Short())
		sock.Destroy()
		return
	}
	s.conns.track(sock, s.conns.ids.next())
}

// onCloseMessage handles a close request from the controller. Requests for
// other keys belong to other bridges on the same channel.
func (s *Server) onCloseMessage(m protocol.Close) {
	if m.PublicKey != s.kp.PublicKey {
		return
	}
	s.Close()
}

// onServerClose is the only transition to StateClosed. After closed, the
// bridge only reports the sockets it tears down.
func (s *Server) onServerClose() {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(StateClosing))

	s.conns.send(s.ch.Closed(context.Background(), s.kp.PublicKey))

	s.serverSubs.Release()
	s.channelSubs.Release()
	s.conns.destroyAll()

	s.state.Store(int32(StateClosed))
	util.LogInfo("Closed server %s", s.kp.PublicKey.Short())
	s.closed.Emit(struct{}{})
	close(s.done)
	s.loop.stop()
}
