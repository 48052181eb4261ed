package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

var (
	ErrDuplicateConnection = errors.New("proxy: connection to this key already exists")
	ErrSocketInUse         = errors.New("proxy: socket id already in use")
)

// Dialer opens the connections a controller asks for with connect messages
// and tracks them the same way a Server tracks accepted ones. The SocketID is
// the one the controller chose; it must not be live on the channel.
type Dialer struct {
	node dht.Node
	ch   *control.Channel

	loop    *loop
	conns   *table
	pending map[crypto.PublicKey]protocol.SocketID
	closed  bool
	subs    event.Group

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewDialer binds a dialer to ch. ids is the SocketID set shared with every
// Server on ch.
func NewDialer(node dht.Node, ch *control.Channel, ids *IDs) *Dialer {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialer{
		node:    node,
		ch:      ch,
		loop:    l,
		conns:   newTable(ch, l, ids),
		pending: make(map[crypto.PublicKey]protocol.SocketID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	d.subs.Add(
		control.On(ch, func(m protocol.Connect) { l.post(func() { d.onConnect(m) }) }),
		control.On(ch, func(m protocol.Data) { l.post(func() { d.conns.onData(m) }) }),
		control.On(ch, func(m protocol.Destroy) { l.post(func() { d.conns.onDestroy(m) }) }),
		ch.OnClose(func(error) { d.Close() }),
	)
	return d
}

// Done is closed once Close has torn everything down.
func (d *Dialer) Done() <-chan struct{} { return d.done }

// Close cancels pending dials and destroys every tracked socket, reporting
// each with a destroy message. Safe to call more than once.
func (d *Dialer) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.loop.post(func() {
			d.closed = true
			d.subs.Release()
			d.conns.destroyAll()
			close(d.done)
			d.loop.stop()
		})
	})
}

func (d *Dialer) onConnect(m protocol.Connect) {
	if d.closed {
		return
	}
	remote := m.RemotePublicKey
	if _, dialing := d.pending[remote]; dialing || d.conns.has(remote) {
		d.reject(m.Socket, remote, ErrDuplicateConnection)
		return
	}
	if !d.conns.ids.reserve(m.Socket) {
		d.reject(m.Socket, remote, fmt.Errorf("connect %s: %w: %s", remote.Short(), ErrSocketInUse, m.Socket))
		return
	}
	d.pending[remote] = m.Socket

	util.Logf("[%s] dialing %s as %s", m.Socket, remote.Short(), m.KeyPair.PublicKey.Short())
	go func() {
		sock, err := d.node.Connect(d.ctx, m.KeyPair, remote)
		posted := d.loop.post(func() { d.onDialed(m.Socket, remote, sock, err) })
		if !posted {
			d.conns.ids.release(m.Socket)
			if sock != nil {
				sock.Destroy()
			}
		}
	}()
}

func (d *Dialer) onDialed(id protocol.SocketID, remote crypto.PublicKey, sock dht.Socket, err error) {
	delete(d.pending, remote)
	if err != nil {
		d.conns.ids.release(id)
		d.reject(id, remote, fmt.Errorf("connect %s: %w", remote.Short(), err))
		return
	}
	if d.closed {
		d.conns.ids.release(id)
		sock.Destroy()
		return
	}
	d.conns.track(sock, id)
}

// reject reports a failed connect as an error followed by destroy.
func (d *Dialer) reject(id protocol.SocketID, remote crypto.PublicKey, err error) {
	util.Logf("[%s] %v", id, err)
	d.conns.send(d.ch.Error(context.Background(), err))
	d.conns.send(d.ch.Destroy(context.Background(), id, remote))
}
