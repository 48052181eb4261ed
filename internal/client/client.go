// Package client drives a relay from the controller side of a control
// channel.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/transport"
)

var (
	ErrTimeout       = errors.New("client: request timed out")
	ErrClosed        = errors.New("client: channel closed")
	ErrListenFailed  = errors.New("client: listen failed")
	ErrConnectFailed = errors.New("client: connect failed")
	ErrSignFailed    = errors.New("client: sign failed")
)

const socketIDMask = 1<<31 - 1

// Client is the controller's handle on one relay session.
type Client struct {
	ch      *control.Channel
	queries atomic.Uint32
	sockets atomic.Uint32
}

// New wraps conn. Attach the On* handlers, then call Start.
func New(conn transport.Conn) *Client {
	return &Client{ch: control.New(conn)}
}

// Start begins reading from the relay. Cancelling ctx closes the client.
func (c *Client) Start(ctx context.Context) { c.ch.Start(ctx) }

func (c *Client) Close() error { return c.ch.Close() }

func (c *Client) Done() <-chan struct{} { return c.ch.Done() }

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnConnection reports connections tracked by the relay, both accepted and
// dialed.
func (c *Client) OnConnection(fn func(protocol.Connection)) *event.Subscription {
	return control.On(c.ch, fn)
}

func (c *Client) OnData(fn func(protocol.Data)) *event.Subscription {
	return control.On(c.ch, fn)
}

func (c *Client) OnDestroy(fn func(protocol.Destroy)) *event.Subscription {
	return control.On(c.ch, fn)
}

// OnError reports error messages from the relay.
func (c *Client) OnError(fn func(error)) *event.Subscription {
	return control.On(c.ch, func(m protocol.ErrorMessage) { fn(m) })
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Handshake hands kp to the relay so it can sign with it later.
func (c *Client) Handshake(ctx context.Context, kp crypto.KeyPair) error {
	return c.send(ctx, protocol.Handshake{KeyPair: kp})
}

func (c *Client) Ping(ctx context.Context) error {
	w := c.newWaiter()
	defer w.close()
	watch(w, func(protocol.Pong) bool { return true })

	if err := c.send(ctx, protocol.Ping{}); err != nil {
		return err
	}
	_, err := w.next(ctx)
	return err
}

// Listen binds kp on the relay and returns the address it reports. An error
// message received while waiting fails the call.
func (c *Client) Listen(ctx context.Context, kp crypto.KeyPair) (protocol.IPv4Address, error) {
	w := c.newWaiter()
	defer w.close()
	pk := kp.PublicKey
	watch(w, func(m protocol.Listening) bool { return m.PublicKey == pk })
	watch(w, func(m protocol.Closed) bool { return m.PublicKey == pk })
	watch(w, func(protocol.ErrorMessage) bool { return true })

	if err := c.send(ctx, protocol.Listen{KeyPair: kp}); err != nil {
		return protocol.IPv4Address{}, err
	}
	msg, err := w.next(ctx)
	if err != nil {
		return protocol.IPv4Address{}, err
	}
	switch m := msg.(type) {
	case protocol.Listening:
		return m.Address, nil
	case protocol.ErrorMessage:
		return protocol.IPv4Address{}, fmt.Errorf("%w: %w", ErrListenFailed, m)
	default:
		return protocol.IPv4Address{}, ErrListenFailed
	}
}

// CloseServer shuts down the server bound to pk and waits for closed.
func (c *Client) CloseServer(ctx context.Context, pk crypto.PublicKey) error {
	w := c.newWaiter()
	defer w.close()
	watch(w, func(m protocol.Closed) bool { return m.PublicKey == pk })

	if err := c.send(ctx, protocol.Close{PublicKey: pk}); err != nil {
		return err
	}
	_, err := w.next(ctx)
	return err
}

// Connect asks the relay to dial remote as kp. The returned Connection
// carries the SocketID to use with Write and Destroy.
func (c *Client) Connect(ctx context.Context, kp crypto.KeyPair, remote crypto.PublicKey) (protocol.Connection, error) {
	id := c.nextSocket()

	w := c.newWaiter()
	defer w.close()
	watch(w, func(m protocol.Connection) bool { return m.Socket == id && m.RemotePublicKey == remote })
	watch(w, func(m protocol.Destroy) bool { return m.Socket == id && m.PublicKey == remote })
	watch(w, func(protocol.ErrorMessage) bool { return true })

	err := c.send(ctx, protocol.Connect{Socket: id, KeyPair: kp, RemotePublicKey: remote})
	if err != nil {
		return protocol.Connection{}, err
	}

	var cause error = ErrConnectFailed
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return protocol.Connection{}, err
		}
		switch m := msg.(type) {
		case protocol.Connection:
			return m, nil
		case protocol.ErrorMessage:
			cause = fmt.Errorf("%w: %w", ErrConnectFailed, m)
		case protocol.Destroy:
			return protocol.Connection{}, cause
		}
	}
}

// Write sends one batch to the connection whose remote key is remote.
func (c *Client) Write(ctx context.Context, id protocol.SocketID, remote crypto.PublicKey, batch ...[]byte) error {
	return c.send(ctx, protocol.Data{Socket: id, PublicKey: remote, Data: batch})
}

func (c *Client) Destroy(ctx context.Context, id protocol.SocketID, remote crypto.PublicKey) error {
	return c.send(ctx, protocol.Destroy{Socket: id, PublicKey: remote})
}

// Lookup collects every reply for topic.
func (c *Client) Lookup(ctx context.Context, topic protocol.Topic) ([]protocol.Announcers, error) {
	id := c.nextQuery()
	return c.query(ctx, id, protocol.Lookup{ID: id, Topic: topic})
}

// Announce publishes kp under topic and returns the nodes that stored it.
func (c *Client) Announce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair) ([]protocol.Announcers, error) {
	id := c.nextQuery()
	return c.query(ctx, id, protocol.Announce{ID: id, Topic: topic, KeyPair: kp})
}

func (c *Client) Unannounce(ctx context.Context, topic protocol.Topic, kp crypto.KeyPair) error {
	id := c.nextQuery()
	_, err := c.query(ctx, id, protocol.Unannounce{ID: id, Topic: topic, KeyPair: kp})
	return err
}

// Sign asks the relay to sign data with the key pair it holds for pk.
func (c *Client) Sign(ctx context.Context, pk crypto.PublicKey, data []byte) ([]byte, error) {
	id := c.nextQuery()

	w := c.newWaiter()
	defer w.close()
	watch(w, func(m protocol.Signature) bool { return m.ID == id })

	if err := c.send(ctx, protocol.Sign{ID: id, PublicKey: pk, Data: data}); err != nil {
		return nil, err
	}
	msg, err := w.next(ctx)
	if err != nil {
		return nil, err
	}
	sig := msg.(protocol.Signature).Signature
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSignFailed, pk.Short())
	}
	return sig, nil
}

// query sends msg and gathers results until finished. An error message seen
// before finished becomes the returned error.
func (c *Client) query(ctx context.Context, id protocol.QueryID, msg protocol.Message) ([]protocol.Announcers, error) {
	w := c.newWaiter()
	defer w.close()
	watch(w, func(m protocol.Result) bool { return m.ID == id })
	watch(w, func(m protocol.Finished) bool { return m.ID == id })
	watch(w, func(protocol.ErrorMessage) bool { return true })

	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	var (
		out   []protocol.Announcers
		cause error
	)
	for {
		in, err := w.next(ctx)
		if err != nil {
			return out, err
		}
		switch m := in.(type) {
		case protocol.Result:
			a, err := protocol.DecodeAnnouncers(m.Data)
			if err != nil {
				cause = errors.Join(cause, fmt.Errorf("result %s: %w", id, err))
				continue
			}
			out = append(out, a)
		case protocol.ErrorMessage:
			cause = errors.Join(cause, m)
		case protocol.Finished:
			return out, cause
		}
	}
}

// nextSocket picks a connect id from the lower half of the id space. The
// relay numbers accepted connections from the upper half.
func (c *Client) nextSocket() protocol.SocketID {
	n := c.sockets.Add(1) & socketIDMask
	if n == 0 {
		n = c.sockets.Add(1) & socketIDMask
	}
	var id protocol.SocketID
	binary.LittleEndian.PutUint32(id[:], n)
	return id
}

func (c *Client) nextQuery() protocol.QueryID {
	var id protocol.QueryID
	binary.LittleEndian.PutUint32(id[:], c.queries.Add(1))
	return id
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	if err := c.ch.Send(ctx, msg); err != nil {
		if errors.Is(err, control.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}
