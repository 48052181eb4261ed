package proxy

import (
	"context"
	"sync/atomic"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
)

// maxPendingWrite is how many payload bytes may wait for one socket before
// the peer is considered stalled and the socket is destroyed.
const maxPendingWrite = 4 * 1024 * 1024

// conn is one tracked socket. Writes to it run on its own writer loop so a
// peer that stops reading never blocks the bridge.
type conn struct {
	id     protocol.SocketID
	socket dht.Socket
	remote crypto.PublicKey
	subs   event.Group

	writer  *loop
	pending atomic.Int64
}

// table multiplexes sockets over a control channel, keyed by the remote
// public key. Every method must run on the owning loop.
type table struct {
	ch    *control.Channel
	loop  *loop
	ids   *IDs
	conns map[crypto.PublicKey]*conn
}

func newTable(ch *control.Channel, l *loop, ids *IDs) *table {
	return &table{
		ch:    ch,
		loop:  l,
		ids:   ids,
		conns: make(map[crypto.PublicKey]*conn),
	}
}

func (t *table) has(remote crypto.PublicKey) bool {
	_, ok := t.conns[remote]
	return ok
}

// track registers socket under id, wires its events, and announces it with a
// connection message. The caller has already checked for a duplicate key and
// claimed id from the shared IDs.
func (t *table) track(socket dht.Socket, id protocol.SocketID) {
	c := &conn{
		id:     id,
		socket: socket,
		remote: socket.RemotePublicKey(),
		writer: newLoop(),
	}
	t.conns[c.remote] = c
	util.Stats.AddConn()

	// Data last: the socket starts reading when the first data handler is
	// attached.
	c.subs.Add(
		socket.OnError(func(err error) {
			t.loop.post(func() { t.onSocketError(c, err) })
		}),
		socket.OnClose(func() {
			t.loop.post(func() { t.onSocketClose(c) })
		}),
		socket.OnData(func(p []byte) {
			t.loop.post(func() { t.onSocketData(c, p) })
		}),
	)

	util.Logf("[%s] tracking %s", id, c.remote.Short())
	t.send(t.ch.Connection(context.Background(), id, socket.PublicKey(), c.remote, socket.HandshakeHash()))
}

func (t *table) onSocketError(c *conn, err error) {
	if c.subs.Released() {
		return
	}
	util.Logf("[%s] socket error: %v", c.id, err)
	t.send(t.ch.Error(context.Background(), err))
}

func (t *table) onSocketData(c *conn, p []byte) {
	if c.subs.Released() {
		return
	}
	t.send(t.ch.Data(context.Background(), c.id, c.remote, p))
}

// onSocketClose is the only path that removes a live entry outside bridge
// teardown.
func (t *table) onSocketClose(c *conn) {
	if c.subs.Released() {
		return
	}
	t.untrack(c)
	util.Logf("[%s] closed %s", c.id, c.remote.Short())
	t.send(t.ch.Destroy(context.Background(), c.id, c.remote))
}

// untrack detaches c, stops its writer and frees its key and id.
func (t *table) untrack(c *conn) {
	c.subs.Release()
	c.writer.stop()
	if t.conns[c.remote] == c {
		delete(t.conns, c.remote)
		util.Stats.RemoveConn()
	}
	t.ids.release(c.id)
}

// onData queues every buffer of the batch on the socket's writer, in order.
// Unknown keys are a race with local teardown and are dropped. A socket whose
// backlog passes maxPendingWrite is destroyed; its close handler reports it.
func (t *table) onData(m protocol.Data) {
	c, ok := t.conns[m.PublicKey]
	if !ok {
		return
	}
	for _, p := range m.Data {
		if c.pending.Add(int64(len(p))) > maxPendingWrite {
			util.LogWarning("[%s] %s is not reading, destroying", c.id, c.remote.Short())
			c.writer.stop()
			c.socket.Destroy()
			return
		}
		c.writer.post(func() {
			defer c.pending.Add(-int64(len(p)))
			if err := c.socket.Write(p); err != nil {
				util.Logf("[%s] write: %v", c.id, err)
				c.writer.stop()
			}
		})
	}
}

func (t *table) onDestroy(m protocol.Destroy) {
	if c, ok := t.conns[m.PublicKey]; ok {
		c.socket.Destroy()
	}
}

// destroyAll tears down every socket and reports each with a destroy
// message, then leaves the table empty. Payloads still queued on a writer
// are dropped.
func (t *table) destroyAll() {
	for _, c := range t.conns {
		t.untrack(c)
		c.socket.Destroy()
		util.Logf("[%s] closed %s", c.id, c.remote.Short())
		t.send(t.ch.Destroy(context.Background(), c.id, c.remote))
	}
}

func (t *table) send(err error) {
	if err != nil {
		util.LogDebug("proxy: send: %v", err)
	}
}
