// Package control turns a framed transport into typed protocol events.
//
// A Channel owns two goroutines: a reader that decodes frames and dispatches
// them to per-type subscribers, and the single writer that puts frames on the
// transport. Sends are queued, so frames never interleave and the order of
// Send calls from one goroutine is the order on the wire.
package control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/util"
)

const outboxSize = 256 // queued frames before Send blocks

var ErrClosed = errors.New("control: channel closed")

// Channel is a typed message channel over a transport.Conn.
type Channel struct {
	conn transport.Conn

	outbox    chan outbound
	closing   chan struct{}
	closeReq  sync.Once
	startOnce sync.Once
	started   bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	err       error

	mu       sync.Mutex
	handlers map[protocol.Type]*event.Signal[protocol.Message]
	closed   event.Signal[error]
}

type outbound struct {
	typ   protocol.Type
	frame []byte
}

// New wraps conn. Nothing is read or written until Start.
func New(conn transport.Conn) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		conn:     conn,
		outbox:   make(chan outbound, outboxSize),
		closing:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[protocol.Type]*event.Signal[protocol.Message]),
	}
}

// Start launches the reader and writer loops. Cancelling ctx closes the
// channel. Subscribe before calling Start to see every inbound frame.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()

		go c.readLoop()
		go c.writeLoop()
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.ctx.Done():
			}
		}()
	})
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the error that closed the channel, nil for a clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr describes the controller for logs.
func (c *Channel) RemoteAddr() string { return c.conn.RemoteAddr() }

// Close flushes queued frames, then closes the transport. It does not wait;
// use Done. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeReq.Do(func() { close(c.closing) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.shutdown(nil)
	}
	return nil
}

// Send encodes msg and queues it for the writer loop. It blocks while the
// queue is full and returns ErrClosed once the channel is closing.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	out := outbound{typ: msg.Type(), frame: protocol.Encode(msg)}

	select {
	case <-c.closing:
		return ErrClosed
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case c.outbox <- out:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// On subscribes fn to every inbound message of type T. Handlers run on the
// reader goroutine and should not block.
func On[T protocol.Message](c *Channel, fn func(T)) *event.Subscription {
	var zero T
	return c.signal(zero.Type()).On(func(m protocol.Message) {
		fn(m.(T))
	})
}

// OnClose subscribes fn to the close event. err is nil for a clean close and
// the framing or transport error otherwise.
func (c *Channel) OnClose(fn func(err error)) *event.Subscription {
	return c.closed.On(fn)
}

func (c *Channel) signal(t protocol.Type) *event.Signal[protocol.Message] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.handlers[t]
	if !ok {
		s = &event.Signal[protocol.Message]{}
		c.handlers[t] = s
	}
	return s
}

func (c *Channel) dispatch(msg protocol.Message) {
	c.mu.Lock()
	s := c.handlers[msg.Type()]
	c.mu.Unlock()
	if s != nil {
		s.Emit(msg)
	}
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (c *Channel) readLoop() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.shutdown(c.classify(err))
			return
		}
		util.Stats.AddRecv(len(frame))

		msg, err := protocol.Decode(frame)
		if err != nil {
			util.LogWarning("control %s: framing error: %v", c.RemoteAddr(), err)
			util.Stats.AddFramingError()
			c.shutdown(err)
			return
		}
		util.Stats.AddMessage("in", msg.Type().String())
		util.Logf("control %s: <- %s", c.RemoteAddr(), msg.Type())

		c.dispatch(msg)
	}
}

// writeLoop is the only goroutine that writes to the transport. On Close it
// drains the queue before closing the transport.
func (c *Channel) writeLoop() {
	for {
		select {
		case out := <-c.outbox:
			if !c.write(out) {
				return
			}

		case <-c.closing:
			for {
				select {
				case out := <-c.outbox:
					if !c.write(out) {
						return
					}
				default:
					c.conn.Close()
					// A transport whose reader does not notice the close is
					// shut down here.
					c.shutdown(nil)
					return
				}
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) write(out outbound) bool {
	if err := c.conn.WriteFrame(out.frame); err != nil {
		c.shutdown(c.classify(err))
		return false
	}
	util.Stats.AddSent(len(out.frame))
	util.Stats.AddMessage("out", out.typ.String())
	util.Logf("control %s: -> %s", c.RemoteAddr(), out.typ)
	return true
}

// classify maps transport errors seen after a requested close, or on a
// normal end of stream, to a clean close.
func (c *Channel) classify(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, net.ErrClosed),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return nil
	}
	return err
}

// shutdown runs once: it records err, stops both loops, closes the transport
// and emits close.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.closeReq.Do(func() { close(c.closing) })
		c.cancel()
		c.conn.Close()

		if err != nil {
			util.LogDebug("control %s: closed: %v", c.RemoteAddr(), err)
		}
		c.closed.Emit(err)
	})
}
