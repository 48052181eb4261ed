// Package dht defines the contract between the relay and the networking
// engine that performs handshakes, routing and lookups.
package dht

import (
	"context"
	"errors"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
)

var (
	ErrNodeClosed       = errors.New("dht: node closed")
	ErrServerClosed     = errors.New("dht: server closed")
	ErrAlreadyListening = errors.New("dht: server already listening")
	ErrKeyInUse         = errors.New("dht: public key already has a listening server")
	ErrPeerNotFound     = errors.New("dht: peer not found")
	ErrSocketClosed     = errors.New("dht: socket closed")
)

// Reply is one answer from a lookup or announce walk.
type Reply struct {
	Token [32]byte
	From  protocol.Node
	To    protocol.Node
	Peers []protocol.Peer
}

// Node is a running engine instance.
type Node interface {
	// CreateServer returns an unbound server. Call Listen to bind it.
	CreateServer() Server

	// Connect dials the server listening on remote, authenticating as kp.
	Connect(ctx context.Context, kp crypto.KeyPair, remote crypto.PublicKey) (Socket, error)

	// Lookup calls each for every reply found for topic.
	Lookup(ctx context.Context, topic protocol.Topic, each func(Reply)) error

	// Announce publishes kp.PublicKey under topic, calling each for every
	// node that stored the record.
	Announce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair, each func(Reply)) error

	// Unannounce withdraws an earlier announcement.
	Unannounce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair) error

	Close() error
}

// Server accepts connections addressed to one public key.
//
// Listening is reported through OnListening, possibly before Listen returns.
// OnClose fires exactly once, after Close or an engine failure, whether or
// not the server ever listened.
type Server interface {
	Listen(kp crypto.KeyPair) error
	Address() protocol.IPv4Address
	PublicKey() crypto.PublicKey
	Close() error

	OnListening(fn func()) *event.Subscription
	OnConnection(fn func(Socket)) *event.Subscription
	OnClose(fn func()) *event.Subscription
}

// Socket is one authenticated, encrypted connection.
//
// A socket does not read from the network until the first data handler is
// attached, so error and close handlers should be attached first.
type Socket interface {
	PublicKey() crypto.PublicKey
	RemotePublicKey() crypto.PublicKey
	HandshakeHash() crypto.HandshakeHash

	// Write queues p for sending. It blocks while the send queue is full.
	Write(p []byte) error
	Destroy()

	OnData(fn func([]byte)) *event.Subscription
	OnError(fn func(error)) *event.Subscription
	OnClose(fn func()) *event.Subscription
}

// ServerEvents implements the subscription half of Server for engines to
// embed.
type ServerEvents struct {
	listening  event.Signal[struct{}]
	connection event.Signal[Socket]
	closed     event.Signal[struct{}]
}

func (e *ServerEvents) OnListening(fn func()) *event.Subscription {
	return e.listening.On(func(struct{}) { fn() })
}

func (e *ServerEvents) OnConnection(fn func(Socket)) *event.Subscription {
	return e.connection.On(fn)
}

func (e *ServerEvents) OnClose(fn func()) *event.Subscription {
	return e.closed.On(func(struct{}) { fn() })
}

func (e *ServerEvents) EmitListening()          { e.listening.Emit(struct{}{}) }
func (e *ServerEvents) EmitConnection(s Socket) { e.connection.Emit(s) }
func (e *ServerEvents) EmitClose()              { e.closed.Emit(struct{}{}) }
